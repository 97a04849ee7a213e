/*
Package raft implements the Raft consensus protocol. A group of servers keeps a replicated log of operations and
applies the committed operations, in the same order, to a state machine on every server. The log is stored in a
segmented journal on disk and compacted with snapshots. Servers talk to each other over gRPC.

The first step is to define the state machine that is to be replicated. Its methods are only called from a single
goroutine. Here is an example of a counter.

	type Counter struct {
	    count int64
	}

	func (c *Counter) Apply(operation *raft.Operation) interface{} {
	    delta, _ := strconv.ParseInt(string(operation.Bytes), 10, 64)
	    c.count += delta
	    return c.count
	}

	func (c *Counter) Snapshot() ([]byte, error) {
	    return []byte(strconv.FormatInt(c.count, 10)), nil
	}

	func (c *Counter) Restore(snapshot []byte) error {
	    count, err := strconv.ParseInt(string(snapshot), 10, 64)
	    if err != nil {
	        return err
	    }
	    c.count = count
	    return nil
	}

Next, create a server. The data path holds the log, the persistent state and the snapshots of the server.

	server, err := raft.NewRaft("raft-1", "127.0.0.1:8080", new(Counter), "/var/lib/raft-1",
	    raft.WithElectionTimeout(500*time.Millisecond))
	if err != nil {
	    panic(err)
	}

Every server of a new cluster is bootstrapped with the same configuration, a map from server ID to address, before
it is started for the first time. A server that restarts, or that joins an existing cluster, is not bootstrapped.

	configuration := map[string]string{
	    "raft-1": "127.0.0.1:8080",
	    "raft-2": "127.0.0.1:8081",
	    "raft-3": "127.0.0.1:8082",
	}
	if err := server.Bootstrap(configuration); err != nil && !errors.Is(err, raft.ErrAlreadyBootstrapped) {
	    panic(err)
	}
	if err := server.Start(); err != nil {
	    panic(err)
	}
	defer server.Stop()

Operations are submitted to the leader. The returned future completes once the operation is committed and applied.
A server that is not the leader fails the operation with an error that wraps ErrNotLeader and, through
NotLeaderError, names the leader it knows of.

	response := server.SubmitOperation([]byte("1"), time.Second).Await()
	if err := response.Error(); err != nil {
	    var notLeader *raft.NotLeaderError
	    if errors.As(err, &notLeader) {
	        // Retry against notLeader.KnownLeader.
	    }
	}

The leader also changes the membership of the cluster one server at a time and can hand leadership to another voter.

	result := server.AddServer("raft-4", "127.0.0.1:8083", true, 10*time.Second).Await()
	result = server.RemoveServer("raft-2", 10*time.Second).Await()
	transfer := server.TransferLeadership("raft-3", time.Second).Await()

Changes in the role of a server and in the leader it follows are delivered to the channel given to WithNotifications.
*/
package raft
