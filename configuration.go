package raft

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Configuration represents a cluster of nodes.
type Configuration struct {
	// All members of the cluster. Maps node ID to address.
	Members map[string]string

	// Maps node ID to a boolean that indicates whether the node
	// is a voting member or not. Voting members are those that
	// have their vote counted in elections and their match index
	// considered when the leader is advancing the commit index.
	// Non-voting members merely receive log entries. They are
	// not considered for election or commitment purposes.
	IsVoter map[string]bool

	// The log index of the configuration.
	Index uint64
}

// NewConfiguration creates a new configuration with the provided
// members. By default, all members in the returned configuration
// will have voter status.
func NewConfiguration(members map[string]string) *Configuration {
	isVoter := make(map[string]bool, len(members))
	for id := range members {
		isVoter[id] = true
	}
	return &Configuration{Members: maps.Clone(members), IsVoter: isVoter}
}

// Clone returns a deep copy of the configuration.
func (c *Configuration) Clone() Configuration {
	return Configuration{
		Members: maps.Clone(c.Members),
		IsVoter: maps.Clone(c.IsVoter),
		Index:   c.Index,
	}
}

// Contains returns true if id is a member of the configuration.
func (c *Configuration) Contains(id string) bool {
	_, ok := c.Members[id]
	return ok
}

// IsVotingMember returns true if id is a voting member of the configuration.
func (c *Configuration) IsVotingMember(id string) bool {
	return c.Contains(id) && c.IsVoter[id]
}

// Voters returns the IDs of the voting members in sorted order.
func (c *Configuration) Voters() []string {
	voters := make([]string, 0, len(c.Members))
	for id := range c.Members {
		if c.IsVoter[id] {
			voters = append(voters, id)
		}
	}
	slices.Sort(voters)
	return voters
}

// String returns a string representation of the configuration.
func (c *Configuration) String() string {
	ids := maps.Keys(c.Members)
	slices.Sort(ids)
	members := make([]string, 0, len(ids))
	for _, id := range ids {
		members = append(members, fmt.Sprintf("%s=%s(voter=%t)", id, c.Members[id], c.IsVoter[id]))
	}
	return fmt.Sprintf("{index=%d members=[%s]}", c.Index, strings.Join(members, " "))
}
