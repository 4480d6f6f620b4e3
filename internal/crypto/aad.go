// Package icrypto builds the additional authenticated data that binds sealed
// records to where they are stored.
package icrypto

import (
	"encoding/binary"
)

const (
	aadRecord  = "RECORD"
	aadKeyWrap = "KEYWRAP"
)

// AADRecord binds a sealed record to its bucket, type and ID, so an
// envelope copied to another slot fails to open.
func AADRecord(bucket, recordType, recordID string, ver int) []byte {
	return buildAAD(aadRecord, bucket, recordType, recordID, ver)
}

// AADKeyWrap binds a wrapped key to its bucket and key ID.
func AADKeyWrap(bucket, keyID string, ver int) []byte {
	return buildAAD(aadKeyWrap, bucket, keyID, ver)
}

// buildAAD concatenates length-prefixed strings and big-endian integers, so
// distinct part lists never encode to the same bytes.
func buildAAD(parts ...any) []byte {
	var res []byte
	for _, p := range parts {
		switch v := p.(type) {
		case string:
			res = appendLenPrefix(res, []byte(v))
		case []byte:
			res = appendLenPrefix(res, v)
		case uint64:
			res = binary.BigEndian.AppendUint64(res, v)
		case int:
			res = binary.BigEndian.AppendUint32(res, uint32(v))
		}
	}
	return res
}

func appendLenPrefix(b, data []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, uint32(len(data)))
	return append(b, data...)
}
