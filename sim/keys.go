package sim

import "fmt"

// Keyspace derives every store key and pub/sub channel used by one run
// namespace. Two managers sharing a store never collide as long as their
// namespaces differ.
type Keyspace struct {
	ns string
}

// NewKeyspace returns the keyspace for namespace ns.
// Panics if ns is empty.
func NewKeyspace(ns string) Keyspace {
	if ns == "" {
		panic("NewKeyspace: namespace must not be empty")
	}
	return Keyspace{ns: ns}
}

// Namespace returns the namespace prefix.
func (k Keyspace) Namespace() string { return k.ns }

// Agent is the key holding the last committed state of id.
func (k Keyspace) Agent(id AgentID) string {
	return fmt.Sprintf("%s:agent:%d", k.ns, uint64(id))
}

// World is the key holding the manager's current world value.
func (k Keyspace) World() string { return k.ns + ":world" }

// Assignment is the key holding the shard assignment of the current run.
func (k Keyspace) Assignment() string { return k.ns + ":assignment" }

// ShardUpdates is the channel carrying update envelopes addressed to shard.
func (k Keyspace) ShardUpdates(shard int) string {
	return fmt.Sprintf("%s:shard:%d:updates", k.ns, shard)
}

// Control is the manager-to-workers command channel.
func (k Keyspace) Control() string { return k.ns + ":ctl" }

// Acks is the workers-to-manager acknowledgement channel.
func (k Keyspace) Acks() string { return k.ns + ":ack" }

// Events is the channel reporters publish simulation events on.
func (k Keyspace) Events(name string) string { return k.ns + ":events:" + name }
