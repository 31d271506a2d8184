package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/agentworkforce/relaysync/internal/batch"
	"github.com/agentworkforce/relaysync/internal/entity"
	"github.com/agentworkforce/relaysync/internal/localstore"
)

type Kind string

const (
	KindDeviceRename      Kind = "device.rename"
	KindDeviceRetire      Kind = "device.retire"
	KindDeviceSync        Kind = "device.sync"
	KindGroupAddMember    Kind = "group.addMember"
	KindGroupRemoveMember Kind = "group.removeMember"
)

var (
	ErrUnknownKind    = errors.New("unknown mutation kind")
	ErrInvalidPayload = errors.New("invalid mutation payload")
)

// Definition is everything the queue needs to know about one mutation kind.
type Definition struct {
	Kind Kind
	// Collections lists what Apply writes.
	Collections []string
	// Target names the entity the mutation acts on. Mutations sharing a
	// target commit strictly in order.
	Target func(data json.RawMessage) (string, error)
	Apply  func(tx localstore.Tx, data json.RawMessage) error
	Commit func(data json.RawMessage) ([]batch.Request, error)
	// Accept lists non-2xx statuses that still count as committed.
	Accept []int
}

// Registry is the closed set of mutation kinds, fixed at construction.
type Registry struct {
	defs map[Kind]Definition
}

func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{defs: make(map[Kind]Definition, len(defs))}
	for _, def := range defs {
		if def.Kind == "" || def.Target == nil || def.Apply == nil || def.Commit == nil {
			return nil, fmt.Errorf("incomplete mutation definition %q", def.Kind)
		}
		if _, dup := r.defs[def.Kind]; dup {
			return nil, fmt.Errorf("duplicate mutation kind %q", def.Kind)
		}
		r.defs[def.Kind] = def
	}
	return r, nil
}

func (r *Registry) Lookup(kind Kind) (Definition, error) {
	def, ok := r.defs[kind]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return def, nil
}

func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.defs))
	for kind := range r.defs {
		kinds = append(kinds, kind)
	}
	return kinds
}

type DevicePayload struct {
	DeviceID string `json:"deviceId"`
}

type RenameDevicePayload struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type GroupMemberPayload struct {
	GroupID  string `json:"groupId"`
	MemberID string `json:"memberId"`
}

// DefaultRegistry registers the built-in kinds. directoryBase is the
// absolute API root used for @odata.id references.
func DefaultRegistry(directoryBase string) *Registry {
	directoryBase = strings.TrimRight(directoryBase, "/")
	r, err := NewRegistry(
		Definition{
			Kind:        KindDeviceRename,
			Collections: []string{entity.CollectionDevices},
			Target:      deviceTarget,
			Apply: func(tx localstore.Tx, data json.RawMessage) error {
				var p RenameDevicePayload
				if err := decode(data, &p); err != nil {
					return err
				}
				return updateDevice(tx, p.DeviceID, func(d *entity.Device) { d.DeviceName = p.DeviceName })
			},
			Commit: func(data json.RawMessage) ([]batch.Request, error) {
				var p RenameDevicePayload
				if err := decode(data, &p); err != nil {
					return nil, err
				}
				body, _ := json.Marshal(map[string]string{"deviceName": p.DeviceName})
				return []batch.Request{{ID: "1", Method: http.MethodPost, URL: devicePath(p.DeviceID) + "/setDeviceName", Body: body}}, nil
			},
		},
		Definition{
			Kind:        KindDeviceRetire,
			Collections: []string{entity.CollectionDevices},
			Target:      deviceTarget,
			Apply: func(tx localstore.Tx, data json.RawMessage) error {
				var p DevicePayload
				if err := decode(data, &p); err != nil {
					return err
				}
				return updateDevice(tx, p.DeviceID, func(d *entity.Device) { d.ManagementState = "retirePending" })
			},
			Commit: deviceAction("retire"),
		},
		Definition{
			Kind:        KindDeviceSync,
			Collections: []string{entity.CollectionDevices},
			Target:      deviceTarget,
			Apply: func(tx localstore.Tx, data json.RawMessage) error {
				var p DevicePayload
				if err := decode(data, &p); err != nil {
					return err
				}
				return updateDevice(tx, p.DeviceID, func(*entity.Device) {})
			},
			Commit: deviceAction("syncDevice"),
		},
		Definition{
			Kind:        KindGroupAddMember,
			Collections: []string{entity.CollectionGroupMembers},
			Target:      groupTarget,
			Apply: func(tx localstore.Tx, data json.RawMessage) error {
				var p GroupMemberPayload
				if err := decode(data, &p); err != nil {
					return err
				}
				member := &entity.GroupMember{GroupID: p.GroupID, MemberID: p.MemberID}
				return entity.PutRecord(tx, entity.CollectionGroupMembers, member, 0)
			},
			Commit: func(data json.RawMessage) ([]batch.Request, error) {
				var p GroupMemberPayload
				if err := decode(data, &p); err != nil {
					return nil, err
				}
				body, _ := json.Marshal(map[string]string{"@odata.id": directoryBase + "/directoryObjects/" + url.PathEscape(p.MemberID)})
				return []batch.Request{{ID: "1", Method: http.MethodPost, URL: groupPath(p.GroupID) + "/members/$ref", Body: body}}, nil
			},
		},
		Definition{
			Kind:        KindGroupRemoveMember,
			Collections: []string{entity.CollectionGroupMembers},
			Target:      groupTarget,
			Apply: func(tx localstore.Tx, data json.RawMessage) error {
				var p GroupMemberPayload
				if err := decode(data, &p); err != nil {
					return err
				}
				return tx.Delete(entity.CollectionGroupMembers, entity.GroupMemberKey(p.GroupID, p.MemberID))
			},
			Commit: func(data json.RawMessage) ([]batch.Request, error) {
				var p GroupMemberPayload
				if err := decode(data, &p); err != nil {
					return nil, err
				}
				target := groupPath(p.GroupID) + "/members/" + url.PathEscape(p.MemberID) + "/$ref"
				return []batch.Request{{ID: "1", Method: http.MethodDelete, URL: target}}, nil
			},
			// already removed upstream
			Accept: []int{http.StatusNotFound},
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}

func decode(data json.RawMessage, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

func deviceTarget(data json.RawMessage) (string, error) {
	var p DevicePayload
	if err := decode(data, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.DeviceID) == "" {
		return "", fmt.Errorf("%w: deviceId is required", ErrInvalidPayload)
	}
	return entity.CollectionDevices + ":" + p.DeviceID, nil
}

func groupTarget(data json.RawMessage) (string, error) {
	var p GroupMemberPayload
	if err := decode(data, &p); err != nil {
		return "", err
	}
	if strings.TrimSpace(p.GroupID) == "" || strings.TrimSpace(p.MemberID) == "" {
		return "", fmt.Errorf("%w: groupId and memberId are required", ErrInvalidPayload)
	}
	return entity.CollectionGroups + ":" + p.GroupID, nil
}

func deviceAction(action string) func(data json.RawMessage) ([]batch.Request, error) {
	return func(data json.RawMessage) ([]batch.Request, error) {
		var p DevicePayload
		if err := decode(data, &p); err != nil {
			return nil, err
		}
		return []batch.Request{{ID: "1", Method: http.MethodPost, URL: devicePath(p.DeviceID) + "/" + action}}, nil
	}
}

func devicePath(id string) string {
	return "/deviceManagement/managedDevices/" + url.PathEscape(id)
}

func groupPath(id string) string {
	return "/groups/" + url.PathEscape(id)
}

func updateDevice(tx localstore.Tx, id string, mutate func(*entity.Device)) error {
	raw, err := tx.Get(entity.CollectionDevices, id)
	if err != nil {
		return fmt.Errorf("device %s: %w", id, err)
	}
	var device entity.Device
	if err := json.Unmarshal(raw, &device); err != nil {
		return err
	}
	mutate(&device)
	return entity.PutRecord(tx, entity.CollectionDevices, &device, device.SyncSessionID)
}
