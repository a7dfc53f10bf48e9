package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// LoadAll decodes a saved collection. A never-saved collection yields an empty slice.
func LoadAll[T any](ctx context.Context, st Store, collection string) ([]T, error) {
	if st == nil {
		return nil, ErrDisabled
	}
	b, ok, err := st.Load(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}
	if !ok || len(b) == 0 {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", collection, err)
	}
	if out == nil {
		out = []T{}
	}
	return out, nil
}

// SaveAll encodes and writes the whole collection.
func SaveAll[T any](ctx context.Context, st Store, collection string, items []T) error {
	if st == nil {
		return ErrDisabled
	}
	if items == nil {
		items = []T{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", collection, err)
	}
	if err := st.Save(ctx, collection, b); err != nil {
		return fmt.Errorf("save %s: %w", collection, err)
	}
	return nil
}

// LoadValue decodes a single-document collection into out.
func LoadValue(ctx context.Context, st Store, collection string, out any) (bool, error) {
	if st == nil {
		return false, ErrDisabled
	}
	b, ok, err := st.Load(ctx, collection)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", collection, err)
	}
	return true, nil
}

// SaveValue writes a single-document collection.
func SaveValue(ctx context.Context, st Store, collection string, v any) error {
	if st == nil {
		return ErrDisabled
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", collection, err)
	}
	return st.Save(ctx, collection, b)
}
