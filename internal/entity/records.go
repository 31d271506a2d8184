package entity

import (
	"encoding/json"
	"time"
)

const (
	CollectionUsers        = "users"
	CollectionGroups       = "groups"
	CollectionGroupMembers = "group_members"
	CollectionDevices      = "devices"
	CollectionPolicies     = "policies"
	CollectionScripts      = "scripts"
	CollectionApplications = "applications"
	CollectionAssignments  = "assignments"
)

// Record is a validated remote entity. The session stamp is set by the
// adapter at reconciliation time.
type Record interface {
	EntityID() string
	stamp(sessionID int64)
}

// Synced carries the session during which a record was last confirmed.
type Synced struct {
	SyncSessionID int64 `json:"syncSessionId,omitempty"`
}

func (s *Synced) stamp(sessionID int64) { s.SyncSessionID = sessionID }

type User struct {
	ID                string `json:"id"`
	DisplayName       string `json:"displayName,omitempty"`
	UserPrincipalName string `json:"userPrincipalName,omitempty"`
	Mail              string `json:"mail,omitempty"`
	JobTitle          string `json:"jobTitle,omitempty"`
	AccountEnabled    *bool  `json:"accountEnabled,omitempty"`
	Synced
}

func (u *User) EntityID() string { return u.ID }

type MemberRef struct {
	ID        string          `json:"id"`
	ODataType string          `json:"@odata.type,omitempty"`
	Removed   json.RawMessage `json:"@removed,omitempty"`
}

type Group struct {
	ID              string   `json:"id"`
	DisplayName     string   `json:"displayName,omitempty"`
	Description     string   `json:"description,omitempty"`
	MailEnabled     bool     `json:"mailEnabled,omitempty"`
	SecurityEnabled bool     `json:"securityEnabled,omitempty"`
	GroupTypes      []string `json:"groupTypes,omitempty"`
	Synced

	Members      []MemberRef `json:"members,omitempty"`
	MembersDelta []MemberRef `json:"members@delta,omitempty"`
}

func (g *Group) EntityID() string { return g.ID }

type GroupMember struct {
	GroupID    string `json:"groupId"`
	MemberID   string `json:"memberId"`
	MemberType string `json:"memberType,omitempty"`
	Synced
}

func (m *GroupMember) EntityID() string { return GroupMemberKey(m.GroupID, m.MemberID) }

func GroupMemberKey(groupID, memberID string) string {
	return groupID + ":" + memberID
}

type Device struct {
	ID                string     `json:"id"`
	DeviceName        string     `json:"deviceName,omitempty"`
	OperatingSystem   string     `json:"operatingSystem,omitempty"`
	OSVersion         string     `json:"osVersion,omitempty"`
	ComplianceState   string     `json:"complianceState,omitempty"`
	ManagementState   string     `json:"managementState,omitempty"`
	UserPrincipalName string     `json:"userPrincipalName,omitempty"`
	SerialNumber      string     `json:"serialNumber,omitempty"`
	LastSyncDateTime  *time.Time `json:"lastSyncDateTime,omitempty"`
	Synced
}

func (d *Device) EntityID() string { return d.ID }

type Policy struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name,omitempty"`
	Description          string     `json:"description,omitempty"`
	Platforms            string     `json:"platforms,omitempty"`
	Technologies         string     `json:"technologies,omitempty"`
	LastModifiedDateTime *time.Time `json:"lastModifiedDateTime,omitempty"`
	Synced
}

func (p *Policy) EntityID() string { return p.ID }

type Script struct {
	ID                   string     `json:"id"`
	DisplayName          string     `json:"displayName,omitempty"`
	Description          string     `json:"description,omitempty"`
	FileName             string     `json:"fileName,omitempty"`
	RunAsAccount         string     `json:"runAsAccount,omitempty"`
	LastModifiedDateTime *time.Time `json:"lastModifiedDateTime,omitempty"`
	Synced
}

func (s *Script) EntityID() string { return s.ID }

type Application struct {
	ID                   string     `json:"id"`
	ODataType            string     `json:"@odata.type,omitempty"`
	DisplayName          string     `json:"displayName,omitempty"`
	Publisher            string     `json:"publisher,omitempty"`
	IsAssigned           bool       `json:"isAssigned,omitempty"`
	LastModifiedDateTime *time.Time `json:"lastModifiedDateTime,omitempty"`
	Synced
}

func (a *Application) EntityID() string { return a.ID }

// AssignmentSet is a policy, script or app listed with its assignments
// expanded. Only the assignments are stored.
type AssignmentSet struct {
	ID          string            `json:"id"`
	Assignments []json.RawMessage `json:"assignments"`
	Synced
}

func (a *AssignmentSet) EntityID() string { return a.ID }

type Assignment struct {
	ID         string          `json:"id"`
	ParentID   string          `json:"parentId"`
	ParentKind string          `json:"parentKind"`
	Intent     string          `json:"intent,omitempty"`
	Target     json.RawMessage `json:"target,omitempty"`
	Synced
}

func (a *Assignment) EntityID() string { return a.ParentKind + ":" + a.ID }

type VerifiedDomain struct {
	Name      string `json:"name"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

type Organization struct {
	ID                string           `json:"id"`
	DisplayName       string           `json:"displayName,omitempty"`
	TenantType        string           `json:"tenantType,omitempty"`
	CountryLetterCode string           `json:"countryLetterCode,omitempty"`
	VerifiedDomains   []VerifiedDomain `json:"verifiedDomains,omitempty"`
	Synced
}

func (o *Organization) EntityID() string { return o.ID }

// OrganizationRecord is what lives under the organization key in _kv.
type OrganizationRecord struct {
	Organization Organization `json:"organization"`
	ETag         string       `json:"etag,omitempty"`
	FetchedAt    time.Time    `json:"fetchedAt"`
}
