package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// eventNameOK reports whether name matches the normalized identifier format:
// lower snake_case segments, optionally dot-separated (e.g. credit_purchased,
// payment.webhook_received). The vocabulary itself is open.
func eventNameOK(name string) bool {
	if name == "" {
		return false
	}
	for _, segment := range strings.Split(name, ".") {
		if segment == "" {
			return false
		}
		for i, r := range segment {
			switch {
			case r >= 'a' && r <= 'z':
			case r == '_' && i > 0:
			case r >= '0' && r <= '9' && i > 0:
			default:
				return false
			}
		}
	}
	return true
}

// Validate rejects malformed append requests. maxPropertyBytes bounds the JSON
// size of Properties; zero disables the bound.
func Validate(req AppendRequest, maxPropertyBytes int) error {
	if strings.TrimSpace(req.RequestID) == "" {
		return ErrInvalidRequestID
	}
	if strings.TrimSpace(req.App) == "" {
		return ErrInvalidApp
	}
	if !eventNameOK(strings.TrimSpace(req.EventName)) {
		return ErrInvalidEventName
	}
	if !ActorType(req.ActorType).Valid() {
		return ErrInvalidActorType
	}
	if maxPropertyBytes > 0 && len(req.Properties) > 0 {
		encoded, err := json.Marshal(req.Properties)
		if err != nil {
			return ErrPropertyTooLarge
		}
		if len(encoded) > maxPropertyBytes {
			return ErrPropertyTooLarge
		}
	}
	return nil
}

// FlattenProperties renders property entries for the generic key/value index.
// Scalars keep their natural string form, nested values their JSON encoding.
func FlattenProperties(event *BusinessEvent) []EventProperty {
	if event == nil || len(event.Properties) == 0 {
		return nil
	}

	index := make([]EventProperty, 0, len(event.Properties))
	for key, raw := range event.Properties {
		if strings.TrimSpace(key) == "" {
			continue
		}
		index = append(index, EventProperty{
			EventID:    event.ID,
			Key:        key,
			Value:      propertyValue(raw),
			OccurredAt: event.OccurredAt,
		})
	}
	return index
}

func propertyValue(raw any) string {
	switch v := raw.(type) {
	case nil:
		return "null"
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
