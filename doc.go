// Package kgroup provides the client side of the Kafka consumer group
// protocol: coordinator discovery, the JoinGroup and SyncGroup rebalance
// sequence, heartbeats, and offset commits and fetches, driven entirely by
// the caller's poll loop over a pluggable asynchronous transport.
package kgroup
