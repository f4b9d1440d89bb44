package kvstore

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

// Keys builds the job-scoped key layout. Every key is "{prefix}:...".
type Keys struct {
	Prefix string
}

// Key joins parts under the prefix.
func (k Keys) Key(parts ...string) string {
	return k.Prefix + ":" + strings.Join(parts, ":")
}

// Boot is the key whose existence permits id to send its first heartbeat.
func (k Keys) Boot(id string) string { return k.Key("boot", id) }

// Dead is the key whose existence tells id to consider itself dead.
func (k Keys) Dead(id string) string { return k.Key("dead", id) }

// Heartbeat holds the TTL'd liveness record of id.
func (k Keys) Heartbeat(id string) string { return k.Key("heartbeat", id) }

// HeartbeatPattern matches every heartbeat key.
func (k Keys) HeartbeatPattern() string { return k.Key("heartbeat", "*") }

func (k Keys) PeerVersion() string { return k.Key("peerv") }

func (k Keys) Done() string { return k.Key("done") }

func (k Keys) JobSpec() string { return k.Key("jobspec") }

// Commands is read and cleared by the heartbeat loop of id.
func (k Keys) Commands(id string) string { return k.Key("commands", id) }

// Metrics is the list receiving samples named name from id.
func (k Keys) Metrics(id, name string) string { return k.Key("metrics", id, name) }

// Event is the pub/sub channel for events named key from id.
func (k Keys) Event(key, id string) string { return k.Key(key, id) }

// Rendezvous returns the c10d key prefix for a group made of the sorted ids.
// Groups of different composition never share a prefix.
func (k Keys) Rendezvous(sortedIDs []string) string {
	sum := md5.Sum([]byte(strings.Join(sortedIDs, "|")))
	return k.Key("c10d", hex.EncodeToString(sum[:]))
}
