package keypool

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ykq007/mcp-tavily-bridge/pkg/crypto"
	"github.com/ykq007/mcp-tavily-bridge/pkg/store"
)

// maxRenameAttempts bounds the label rename loop on bulk import.
const maxRenameAttempts = 50

// ImportKey is one key to add to a pool.
type ImportKey struct {
	Label  string `json:"label"`
	Secret string `json:"secret"`
}

// ImportedKey reports one inserted key, including any label rename applied
// to dodge a uniqueness collision.
type ImportedKey struct {
	ID            string `json:"id"`
	Label         string `json:"label"`
	Masked        string `json:"masked"`
	Renamed       bool   `json:"renamed,omitempty"`
	OriginalLabel string `json:"originalLabel,omitempty"`
}

// AddTavilyKey encrypts and stores one key. A duplicate label returns
// store.ErrAlreadyExists; single creates never rename.
func (p *Pool) AddTavilyKey(ctx context.Context, label, secret string) (store.TavilyKey, error) {
	key, err := p.sealTavily(label, secret)
	if err != nil {
		return store.TavilyKey{}, err
	}
	if err := p.keys.CreateTavilyKey(ctx, key); err != nil {
		return store.TavilyKey{}, err
	}
	return key, nil
}

// AddBraveKey encrypts and stores one Brave key.
func (p *Pool) AddBraveKey(ctx context.Context, label, secret string) (store.BraveKey, error) {
	key, err := p.sealBrave(label, secret)
	if err != nil {
		return store.BraveKey{}, err
	}
	if err := p.keys.CreateBraveKey(ctx, key); err != nil {
		return store.BraveKey{}, err
	}
	return key, nil
}

// ImportTavilyKeys inserts a batch of keys, renaming colliding labels to
// "L (import N)" with increasing N. Renames are reported per key.
func (p *Pool) ImportTavilyKeys(ctx context.Context, items []ImportKey) ([]ImportedKey, error) {
	imported := make([]ImportedKey, 0, len(items))
	for _, item := range items {
		key, err := p.sealTavily(item.Label, item.Secret)
		if err != nil {
			return imported, err
		}

		label, err := p.insertWithRename(item.Label, func(label string) error {
			key.Label = label
			return p.keys.CreateTavilyKey(ctx, key)
		})
		if err != nil {
			return imported, err
		}

		imported = append(imported, ImportedKey{
			ID:            key.ID,
			Label:         label,
			Masked:        key.Masked,
			Renamed:       label != item.Label,
			OriginalLabel: renamedFrom(item.Label, label),
		})
	}
	return imported, nil
}

// ImportBraveKeys is the Brave variant of ImportTavilyKeys.
func (p *Pool) ImportBraveKeys(ctx context.Context, items []ImportKey) ([]ImportedKey, error) {
	imported := make([]ImportedKey, 0, len(items))
	for _, item := range items {
		key, err := p.sealBrave(item.Label, item.Secret)
		if err != nil {
			return imported, err
		}

		label, err := p.insertWithRename(item.Label, func(label string) error {
			key.Label = label
			return p.keys.CreateBraveKey(ctx, key)
		})
		if err != nil {
			return imported, err
		}

		imported = append(imported, ImportedKey{
			ID:            key.ID,
			Label:         label,
			Masked:        key.Masked,
			Renamed:       label != item.Label,
			OriginalLabel: renamedFrom(item.Label, label),
		})
	}
	return imported, nil
}

// insertWithRename tries the original label, then "L (import N)" for
// increasing N, up to the attempt bound.
func (p *Pool) insertWithRename(label string, insert func(label string) error) (string, error) {
	candidate := label
	for attempt := 1; attempt <= maxRenameAttempts; attempt++ {
		err := insert(candidate)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return "", err
		}
		candidate = fmt.Sprintf("%s (import %d)", label, attempt+1)
	}
	return "", fmt.Errorf("label %q: gave up after %d rename attempts", label, maxRenameAttempts)
}

func renamedFrom(original, final string) string {
	if original == final {
		return ""
	}
	return original
}

func (p *Pool) sealTavily(label, secret string) (store.TavilyKey, error) {
	ciphertext, err := p.vault.EncryptString(secret)
	if err != nil {
		return store.TavilyKey{}, err
	}
	now := p.now().UTC()
	return store.TavilyKey{
		ID:         uuid.NewString(),
		Label:      label,
		Ciphertext: ciphertext,
		Masked:     crypto.Mask(secret),
		Status:     store.KeyActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (p *Pool) sealBrave(label, secret string) (store.BraveKey, error) {
	ciphertext, err := p.vault.EncryptString(secret)
	if err != nil {
		return store.BraveKey{}, err
	}
	now := p.now().UTC()
	return store.BraveKey{
		ID:         uuid.NewString(),
		Label:      label,
		Ciphertext: ciphertext,
		Masked:     crypto.Mask(secret),
		Status:     store.KeyActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}
