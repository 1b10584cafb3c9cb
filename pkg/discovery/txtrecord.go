package discovery

import (
	"fmt"
	"slices"
	"strings"

	"github.com/tentacle-p2p/tentacle-go/pkg/secio"
)

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates the TXT records advertised for info.
func EncodeTXT(info Info) TXTRecordMap {
	txt := TXTRecordMap{
		TXTKeyPeerID:  info.PeerID.String(),
		TXTKeyVersion: RecordVersion,
	}
	if len(info.Protocols) > 0 {
		txt[TXTKeyProtocols] = strings.Join(info.Protocols, ",")
	}
	return txt
}

// DecodeTXT parses the peer id and protocol list from TXT records.
func DecodeTXT(txt TXTRecordMap) (secio.PeerID, []string, error) {
	raw, ok := txt[TXTKeyPeerID]
	if !ok {
		return secio.PeerID{}, nil, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeyPeerID)
	}
	id, err := secio.ParsePeerID(raw)
	if err != nil {
		return secio.PeerID{}, nil, fmt.Errorf("%w: %w", ErrInvalidPeerID, err)
	}

	var protocols []string
	if p := txt[TXTKeyProtocols]; p != "" {
		protocols = strings.Split(p, ",")
	}
	return id, protocols, nil
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value"
// strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}

// StringsToTXTRecords parses "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if k == "" {
			continue
		}
		if !found {
			// Key without value (boolean flag)
			v = ""
		}
		txt[k] = v
	}
	return txt
}
