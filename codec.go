package kgroup

import (
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Codec serializes the subscription and assignment payloads that group
// members exchange through the coordinator. The coordinator never inspects
// these bytes; only members using the same protocol need to agree on them.
type Codec interface {
	// EncodeSubscription returns the JoinGroup protocol metadata for a
	// member interested in topics that currently owns current as of
	// generation.
	EncodeSubscription(topics []string, current map[string][]int32, generation int32) []byte
	// DecodeAssignment parses this member's SyncGroup assignment.
	DecodeAssignment(b []byte) (map[string][]int32, error)
}

// BalancerCodec returns the codec spoken by a group balancer.
func BalancerCodec(b kgo.GroupBalancer) Codec { return balancerCodec{b} }

type balancerCodec struct{ b kgo.GroupBalancer }

func (c balancerCodec) EncodeSubscription(topics []string, current map[string][]int32, generation int32) []byte {
	interests := append([]string(nil), topics...)
	sort.Strings(interests)
	return c.b.JoinGroupMetadata(interests, current, generation)
}

func (c balancerCodec) DecodeAssignment(b []byte) (map[string][]int32, error) {
	// The leader sends nothing to members it has no partitions for.
	if len(b) == 0 {
		return make(map[string][]int32), nil
	}
	assigned, err := c.b.ParseSyncAssignment(b)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s member assignment: %w", c.b.ProtocolName(), err)
	}
	if assigned == nil {
		assigned = make(map[string][]int32)
	}
	return assigned, nil
}
