package entity

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/rs/zerolog"
)

// DefaultAdapters builds the adapter set for the supported entity types.
// Delta feeds carry their own tombstones and skip stale cleanup; full
// listings rely on it.
func DefaultAdapters(store localstore.Store, submit Submitter, logger zerolog.Logger) ([]Adapter, error) {
	v, err := Validators()
	if err != nil {
		return nil, err
	}
	configs := []FeedConfig{
		{
			Name:       "users",
			Collection: CollectionUsers,
			Sources: []Source{{
				Name:     "users",
				Mode:     ModeDelta,
				URL:      "/users/delta?$select=id,displayName,userPrincipalName,mail,jobTitle,accountEnabled",
				Validate: v["user"],
			}},
		},
		{
			Name:       "groups",
			Collection: CollectionGroups,
			Related:    []string{CollectionGroupMembers},
			Sources: []Source{{
				Name:     "groups",
				Mode:     ModeDelta,
				URL:      "/groups/delta?$select=id,displayName,description,mailEnabled,securityEnabled,groupTypes,members",
				Validate: v["group"],
				Upsert:   upsertGroup,
			}},
			Delete: deleteGroup,
		},
		{
			Name:         "devices",
			Collection:   CollectionDevices,
			CleanupStale: true,
			Sources: []Source{{
				Name:     "devices",
				Mode:     ModePage,
				URL:      "/deviceManagement/managedDevices",
				CountURL: "/deviceManagement/managedDevices/$count",
				Validate: v["device"],
			}},
		},
		{
			Name:         "policies",
			Collection:   CollectionPolicies,
			CleanupStale: true,
			Sources: []Source{{
				Name:     "policies",
				Mode:     ModePage,
				URL:      "/deviceManagement/configurationPolicies",
				Validate: v["policy"],
			}},
		},
		{
			Name:         "scripts",
			Collection:   CollectionScripts,
			CleanupStale: true,
			Sources: []Source{{
				Name:     "scripts",
				Mode:     ModePage,
				URL:      "/deviceManagement/deviceManagementScripts",
				Validate: v["script"],
			}},
		},
		{
			Name:         "applications",
			Collection:   CollectionApplications,
			CleanupStale: true,
			Sources: []Source{{
				Name:     "applications",
				Mode:     ModePage,
				URL:      "/deviceAppManagement/mobileApps",
				Validate: v["application"],
			}},
		},
		{
			Name:         "assignments",
			Collection:   CollectionAssignments,
			CleanupStale: true,
			Sources: []Source{
				{
					Name:     "policyAssignments",
					Mode:     ModePage,
					URL:      "/deviceManagement/configurationPolicies?$select=id&$expand=assignments",
					Validate: v["assignmentSet"],
					Upsert:   assignmentUpserter("policy"),
				},
				{
					Name:     "scriptAssignments",
					Mode:     ModePage,
					URL:      "/deviceManagement/deviceManagementScripts?$select=id&$expand=assignments",
					Validate: v["assignmentSet"],
					Upsert:   assignmentUpserter("script"),
				},
				{
					Name:     "appAssignments",
					Mode:     ModePage,
					URL:      "/deviceAppManagement/mobileApps?$select=id&$expand=assignments",
					Validate: v["assignmentSet"],
					Upsert:   assignmentUpserter("application"),
				},
			},
		},
	}

	adapters := make([]Adapter, 0, len(configs)+1)
	for _, cfg := range configs {
		cfg.Logger = logger
		feed, err := NewFeedAdapter(cfg, submit)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, feed)
	}
	org, err := NewOrganizationAdapter(store, submit, logger)
	if err != nil {
		return nil, err
	}
	return append(adapters, org), nil
}

func upsertGroup(tx localstore.Tx, rec Record, sessionID int64) error {
	group, ok := rec.(*Group)
	if !ok {
		return fmt.Errorf("expected group, got %T", rec)
	}
	members, delta := group.Members, group.MembersDelta
	group.Members, group.MembersDelta = nil, nil
	if err := PutRecord(tx, CollectionGroups, group, sessionID); err != nil {
		return err
	}
	for _, ref := range append(members, delta...) {
		if ref.ID == "" {
			continue
		}
		key := GroupMemberKey(group.ID, ref.ID)
		if len(ref.Removed) > 0 && string(ref.Removed) != "null" {
			if err := tx.Delete(CollectionGroupMembers, key); err != nil {
				return err
			}
			continue
		}
		member := &GroupMember{GroupID: group.ID, MemberID: ref.ID, MemberType: strings.TrimPrefix(ref.ODataType, "#microsoft.graph.")}
		if err := PutRecord(tx, CollectionGroupMembers, member, sessionID); err != nil {
			return err
		}
	}
	return nil
}

func deleteGroup(tx localstore.Tx, id string) error {
	if err := tx.Delete(CollectionGroups, id); err != nil {
		return err
	}
	prefix := GroupMemberKey(id, "")
	var keys []string
	if err := tx.Scan(CollectionGroupMembers, func(key string, _ json.RawMessage) error {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	}); err != nil {
		return err
	}
	for _, key := range keys {
		if err := tx.Delete(CollectionGroupMembers, key); err != nil {
			return err
		}
	}
	return nil
}

func assignmentUpserter(parentKind string) func(tx localstore.Tx, rec Record, sessionID int64) error {
	return func(tx localstore.Tx, rec Record, sessionID int64) error {
		set, ok := rec.(*AssignmentSet)
		if !ok {
			return fmt.Errorf("expected assignment set, got %T", rec)
		}
		for _, raw := range set.Assignments {
			var item struct {
				ID     string          `json:"id"`
				Intent string          `json:"intent"`
				Target json.RawMessage `json:"target"`
			}
			if err := json.Unmarshal(raw, &item); err != nil {
				return err
			}
			assignment := &Assignment{
				ID:         item.ID,
				ParentID:   set.ID,
				ParentKind: parentKind,
				Intent:     item.Intent,
				Target:     item.Target,
			}
			if err := PutRecord(tx, CollectionAssignments, assignment, sessionID); err != nil {
				return err
			}
		}
		return nil
	}
}
