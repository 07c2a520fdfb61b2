package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"meshshare/internal/models"
)

// Page tokens are the DynamoDB LastEvaluatedKey flattened to a string map,
// JSON encoded and base64 wrapped so callers can treat them as opaque. Every
// key attribute in this schema (primary and index) is a string, which is what
// makes the flattening safe.

func encodePageToken(lastKey map[string]ddbtypes.AttributeValue) (string, error) {
	if len(lastKey) == 0 {
		return "", nil
	}

	flat := make(map[string]string, len(lastKey))
	for name, av := range lastKey {
		sv, ok := av.(*ddbtypes.AttributeValueMemberS)
		if !ok {
			return "", &models.StoreUnavailableError{
				Op:  "encode page token",
				Err: fmt.Errorf("non-string key attribute %s", name),
			}
		}
		flat[name] = sv.Value
	}

	raw, err := json.Marshal(flat)
	if err != nil {
		return "", &models.StoreUnavailableError{Op: "encode page token", Err: err}
	}

	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodePageToken(token string) (map[string]ddbtypes.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("malformed page token: %w", err)
	}

	var flat map[string]string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("malformed page token: %w", err)
	}

	startKey := make(map[string]ddbtypes.AttributeValue, len(flat))
	for name, value := range flat {
		startKey[name] = &ddbtypes.AttributeValueMemberS{Value: value}
	}

	return startKey, nil
}
