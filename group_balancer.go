package kgroup

import (
	"context"
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// balance computes every member's assignment with the group's chosen
// balancer. Only the leader calls this.
func (g *groupMembership) balance(
	ctx context.Context,
	balancer kgo.GroupBalancer,
	kmembers []kmsg.JoinGroupResponseMember,
) ([]kmsg.SyncGroupRequestGroupAssignment, error) {
	members := append([]kmsg.JoinGroupResponseMember(nil), kmembers...)
	sort.Slice(members, func(i, j int) bool {
		return members[i].MemberID < members[j].MemberID // guarantee sorted members
	})

	mb, topicSet, err := balancer.MemberBalancer(members)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s member metadata: %w", balancer.ProtocolName(), err)
	}

	topics := make([]string, 0, len(topicSet))
	for topic := range topicSet {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	if g.cl.cfg.metadata == nil {
		g.cl.cfg.logger.Log(kgo.LogLevelWarn, "leading the group without a metadata source, no partitions will be assigned",
			"group", g.cl.cfg.group,
			"topics", topics,
		)
	}
	counts := g.cl.partitionCounts(ctx, topics)
	for _, topic := range topics {
		if _, ok := counts[topic]; !ok {
			g.cl.cfg.logger.Log(kgo.LogLevelWarn, "subscribed topic is missing from metadata, not assigning it",
				"group", g.cl.cfg.group,
				"topic", topic,
			)
		}
	}

	var into kgo.IntoSyncAssignment
	if mbe, ok := mb.(kgo.GroupMemberBalancerOrError); ok {
		if into, err = mbe.BalanceOrError(counts); err != nil {
			return nil, fmt.Errorf("unable to balance with %s: %w", balancer.ProtocolName(), err)
		}
	} else {
		into = mb.Balance(counts)
	}

	assignments := into.IntoSyncAssignment()
	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].MemberID < assignments[j].MemberID
	})
	g.cl.cfg.logger.Log(kgo.LogLevelInfo, "balanced group",
		"group", g.cl.cfg.group,
		"balancer", balancer.ProtocolName(),
		"members", len(members),
		"plan", into,
	)
	return assignments, nil
}
