package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	KeyCredential   = "credential"
	KeyProfile      = "profile"
	KeyOrganization = "organization"
	KeyMutationSeq  = "mutation_seq"
	KeySyncSession  = "sync_session"
)

type Credential struct {
	AccessToken string `json:"accessToken"`
	ExpiresAt   int64  `json:"expiresAt,omitempty"`
}

func GetKV(ctx context.Context, store Store, name string, out any) error {
	raw, err := store.Read(ctx, CollectionKV, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode kv %s: %w", name, err)
	}
	return nil
}

func PutKV(ctx context.Context, store Store, name string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return store.WriteMany(ctx, []string{CollectionKV}, func(tx Tx) error {
		return tx.Put(CollectionKV, name, payload)
	})
}

// SetKV writes a _kv value inside an open transaction.
func SetKV(tx Tx, name string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return tx.Put(CollectionKV, name, payload)
}

func DeleteKV(ctx context.Context, store Store, names ...string) error {
	return store.WriteMany(ctx, []string{CollectionKV}, func(tx Tx) error {
		for _, name := range names {
			if err := tx.Delete(CollectionKV, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// NextSequence increments a named counter inside an open transaction whose
// scope includes _kv.
func NextSequence(tx Tx, name string) (int64, error) {
	return RaiseSequence(tx, name, 0)
}

// RaiseSequence stores and returns max(floor, current+1), so the counter
// never repeats even when floor moves backwards.
func RaiseSequence(tx Tx, name string, floor int64) (int64, error) {
	var current int64
	raw, err := tx.Get(CollectionKV, name)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return 0, err
	default:
		if err := json.Unmarshal(raw, &current); err != nil {
			return 0, fmt.Errorf("decode sequence %s: %w", name, err)
		}
	}
	next := current + 1
	if floor > next {
		next = floor
	}
	payload, _ := json.Marshal(next)
	if err := tx.Put(CollectionKV, name, payload); err != nil {
		return 0, err
	}
	return next, nil
}

// CredentialToken returns the stored bearer token, or ErrNotFound when the
// user is logged out.
func CredentialToken(ctx context.Context, store Store) (string, error) {
	var cred Credential
	if err := GetKV(ctx, store, KeyCredential, &cred); err != nil {
		return "", err
	}
	if cred.AccessToken == "" {
		return "", ErrNotFound
	}
	return cred.AccessToken, nil
}
