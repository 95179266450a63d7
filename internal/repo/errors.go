package repo

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("row not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNotPending          = errors.New("transaction is not pending")
	ErrDuplicateReference  = errors.New("duplicate external reference")
)

func toJSON(val map[string]any) ([]byte, error) {
	if val == nil {
		return nil, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return data, nil
}

func fromJSON(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"_raw": string(data)}
	}
	return m
}

func jsonParam(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}
