package kgroup

import (
	"context"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
)

// MetadataSource reports partition counts of topics. The group leader needs
// them to balance, and every member uses them to notice partition count
// changes that require a rebalance.
//
// Topics that do not exist are omitted from the result.
type MetadataSource interface {
	PartitionCounts(ctx context.Context, topics []string) (map[string]int32, error)
}

// StaticMetadata is a MetadataSource with fixed, settable partition counts.
type StaticMetadata struct {
	mu     sync.Mutex
	counts map[string]int32
}

// NewStaticMetadata returns a source reporting counts.
func NewStaticMetadata(counts map[string]int32) *StaticMetadata {
	s := &StaticMetadata{counts: make(map[string]int32, len(counts))}
	for topic, n := range counts {
		s.counts[topic] = n
	}
	return s
}

// Set sets the partition count of topic.
func (s *StaticMetadata) Set(topic string, partitions int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[topic] = partitions
}

func (s *StaticMetadata) PartitionCounts(_ context.Context, topics []string) (map[string]int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int32, len(topics))
	for _, topic := range topics {
		if n, ok := s.counts[topic]; ok {
			counts[topic] = n
		}
	}
	return counts, nil
}

// AdmMetadata is a MetadataSource issuing metadata requests through a kadm
// client. Each call blocks on a metadata request.
type AdmMetadata struct {
	adm *kadm.Client
}

// NewAdmMetadata returns a source using adm.
func NewAdmMetadata(adm *kadm.Client) *AdmMetadata {
	return &AdmMetadata{adm}
}

func (m *AdmMetadata) PartitionCounts(ctx context.Context, topics []string) (map[string]int32, error) {
	counts := make(map[string]int32, len(topics))
	if len(topics) == 0 {
		return counts, nil
	}
	details, err := m.adm.ListTopics(ctx, topics...)
	if err != nil {
		return nil, err
	}
	for topic, detail := range details {
		// Unknown topics come back with an error; they simply have
		// no partitions to balance yet.
		if detail.Err != nil {
			continue
		}
		counts[topic] = int32(len(detail.Partitions))
	}
	return counts, nil
}
