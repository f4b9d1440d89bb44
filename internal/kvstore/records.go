package kvstore

import (
	"encoding/json"
	"path"
	"time"
)

// AnyRole matches every worker.
const AnyRole = "*"

// WorkerRecord advertises one worker: its ID, host and service ports.
type WorkerRecord struct {
	ID       string         `json:"id"`
	Host     string         `json:"host"`
	Services map[string]int `json:"services,omitempty"`
}

// HasRole reports whether the worker ID matches "{role}_*".
func (w WorkerRecord) HasRole(role string) bool {
	return MatchRole(w.ID, role)
}

// MatchRole reports whether id belongs to role. AnyRole matches all IDs.
func MatchRole(id, role string) bool {
	if role == AnyRole {
		return true
	}
	ok, _ := path.Match(role+"_*", id)
	return ok
}

// Heartbeat is the JSON document stored under a heartbeat key.
type Heartbeat struct {
	Timestamp int64        `json:"timestamp"`
	Data      WorkerRecord `json:"data"`
}

// EncodeHeartbeat stamps rec with the current time.
func EncodeHeartbeat(rec WorkerRecord) ([]byte, error) {
	return json.Marshal(Heartbeat{Timestamp: time.Now().Unix(), Data: rec})
}

// DecodeHeartbeat extracts the worker record from a heartbeat document.
func DecodeHeartbeat(data []byte) (WorkerRecord, error) {
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return WorkerRecord{}, err
	}
	return hb.Data, nil
}

// RoleSpec is one entry of the job specification.
type RoleSpec struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Args  []string `json:"args,omitempty"`
}

// CountRole sums the counts of every spec entry whose name matches role.
func CountRole(specs []RoleSpec, role string) int {
	n := 0
	for _, s := range specs {
		if role == AnyRole {
			n += s.Count
			continue
		}
		if ok, _ := path.Match(role, s.Name); ok {
			n += s.Count
		}
	}
	return n
}
