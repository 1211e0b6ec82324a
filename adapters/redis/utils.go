package redis

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// PayloadField 是 stream 訊息中存放序列化內容的欄位
const PayloadField = "payload"

var (
	ErrPointerType    = errors.New("pointer type is not allowed")
	ErrMissingPayload = errors.New("payload field not found")
)

// EncodeMessage 以 msgpack 序列化資料並包成 stream 訊息的欄位
func EncodeMessage[T any](data T) (map[string]any, error) {
	if t := reflect.TypeOf(data); t != nil && t.Kind() == reflect.Ptr {
		return nil, ErrPointerType
	}

	payload, err := msgpack.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("msgpack marshal error: %w", err)
	}
	return map[string]any{PayloadField: payload}, nil
}

// DecodeMessage 從 stream 訊息的欄位還原資料
func DecodeMessage[T any](values map[string]any) (T, error) {
	var result T

	if t := reflect.TypeOf(result); t != nil && t.Kind() == reflect.Ptr {
		return result, ErrPointerType
	}

	var payload []byte
	switch v := values[PayloadField].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return result, ErrMissingPayload
	}

	if err := msgpack.Unmarshal(payload, &result); err != nil {
		return result, fmt.Errorf("msgpack unmarshal error: %w", err)
	}
	return result, nil
}
