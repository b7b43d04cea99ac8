package replication

import (
	"encoding/json"
	"net/url"
	"strings"
)

// escapeURLForKey derives the document-store key suffix for a destination
// URL: strip the scheme and the characters that are awkward in a storage
// key, then percent-encode what remains (§6: "escaped_url is URI-encoded
// after stripping http://, /, and :").
func escapeURLForKey(rawURL string) string {
	stripped := strings.TrimPrefix(rawURL, "http://")
	stripped = strings.TrimPrefix(stripped, "https://")
	stripped = strings.ReplaceAll(stripped, "/", "")
	stripped = strings.ReplaceAll(stripped, ":", "")
	return url.QueryEscape(stripped)
}

func encodeFailureInfo(info DestinationFailureInformation) ([]byte, error) {
	return json.Marshal(info)
}

func decodeFailureInfo(data []byte) (*DestinationFailureInformation, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var info DestinationFailureInformation
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
