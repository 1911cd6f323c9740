package persistence

import (
	"bytes"
	"encoding/gob"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// EncodeValue serializes v using encoding/gob. The map and slice types
// carried in instance inputs and outputs are registered by package api.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a gob payload produced by EncodeValue into a T.
// An empty payload decodes to the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v)
	return v, err
}

func encodeInstance(inst *api.WorkflowInstance) ([]byte, error) {
	return EncodeValue(inst)
}

func decodeInstance(data []byte) (*api.WorkflowInstance, error) {
	if len(data) == 0 {
		return nil, ErrInstanceNotFound
	}
	inst, err := DecodeValue[api.WorkflowInstance](data)
	if err != nil {
		return nil, err
	}
	if inst.RetryCounts == nil {
		inst.RetryCounts = make(map[string]int)
	}
	return &inst, nil
}

func encodeApproval(req *api.ApprovalRequest) ([]byte, error) {
	return EncodeValue(req)
}

func decodeApproval(data []byte) (*api.ApprovalRequest, error) {
	if len(data) == 0 {
		return nil, ErrApprovalNotFound
	}
	req, err := DecodeValue[api.ApprovalRequest](data)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func encodeRecord(rec api.ExecutionRecord) ([]byte, error) {
	return EncodeValue(rec)
}

func decodeRecord(data []byte) (api.ExecutionRecord, error) {
	return DecodeValue[api.ExecutionRecord](data)
}
