// Package cluster implements the membership protocol, peer connection
// manager, and mailbox layer: contact-host bootstrap, two-phase
// admission and eviction of peers, and addressed delivery to local
// mailboxes. Membership and peer-state transitions of the protocols run
// on a single arbiter goroutine per Cluster, reached through Cluster.sync.
// The membership registry, mailbox map and each Peer also carry their own
// mutexes, so read paths such as Send, Self, AddService and NewMailbox
// use them directly without hopping onto the arbiter.
package cluster
