package raft

import (
	"bytes"
	"encoding/gob"
)

// EncodeConfChangeV2 and DecodeConfChangeV2 round-trip a configuration
// change through the opaque []byte payload that LogEntry.Data carries;
// this keeps LogEntry itself codec-agnostic of what it transports.
func EncodeConfChangeV2(cc ConfChangeV2) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cc); err != nil {
		panic("raft: confchange encode: " + err.Error())
	}
	return buf.Bytes()
}

func DecodeConfChangeV2(data []byte) (ConfChangeV2, error) {
	var cc ConfChangeV2
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cc)
	return cc, err
}

// EncodeEntries and DecodeEntries serialize a batch of log entries with
// gob, the codec the storage blob and transport frames also use; neither
// of those layers calls these helpers.
func EncodeEntries(entries []LogEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeEntries(data []byte) ([]LogEntry, error) {
	var entries []LogEntry
	if len(data) == 0 {
		return nil, nil
	}
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries)
	return entries, err
}
