package kgroup

import (
	"context"
	"fmt"
	"sort"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// Offset is a committed or to-be-committed position in a partition: the next
// offset to consume, the leader epoch of the record before it (or -1), and
// caller metadata.
type Offset struct {
	At          int64
	LeaderEpoch int32
	Metadata    string
}

// NewOffset returns an offset at the given position with no leader epoch and
// no metadata.
func NewOffset(at int64) Offset {
	return Offset{At: at, LeaderEpoch: -1}
}

// offsetManager commits and fetches offsets against the coordinator.
type offsetManager struct {
	cl *Client
}

func countPartitions(offsets map[string]map[int32]Offset) int {
	var n int
	for _, ps := range offsets {
		n += len(ps)
	}
	return n
}

// commitAsync commits offsets and calls onDone exactly once with the overall
// result. A nil onDone uses the default commit callback.
func (o *offsetManager) commitAsync(offsets map[string]map[int32]Offset, onDone func(map[string]map[int32]Offset, error)) {
	if onDone == nil {
		onDone = o.cl.defaultCommitCallback
	}
	o.send(offsets).OnDone(func(_ kmsg.Response, err error) {
		onDone(offsets, err)
	})
}

// commitSync commits offsets, retrying retriable failures (including through
// coordinator rediscovery) until success or a non-retriable error.
func (o *offsetManager) commitSync(ctx context.Context, offsets map[string]map[int32]Offset) error {
	for tries := 1; ; tries++ {
		if countPartitions(offsets) == 0 {
			return nil
		}
		if err := o.cl.coord.ensure(ctx); err != nil {
			return err
		}
		err := o.cl.await(ctx, o.send(offsets))
		if err == nil || !isRetriable(err) {
			return err
		}
		backoff := o.cl.cfg.retryBackoff(tries)
		o.cl.cfg.logger.Log(kgo.LogLevelInfo, "offset commit failed, retrying after backoff",
			"group", o.cl.cfg.group,
			"backoff", backoff,
			"err", err,
		)
		if err := o.cl.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

// send issues one OffsetCommit request. The returned future fails with the
// most severe partition error of the response.
func (o *offsetManager) send(offsets map[string]map[int32]Offset) *Future {
	if countPartitions(offsets) == 0 {
		f := NewFuture()
		f.Complete(nil)
		return f
	}
	coordinator, ok := o.cl.coord.current()
	if !ok {
		f := NewFuture()
		f.Fail(kerr.CoordinatorNotAvailable)
		return f
	}

	cfg := &o.cl.cfg
	gen := noGeneration()
	if o.cl.subs.GroupManaged() {
		gen = o.cl.group.gen
	}

	req := kmsg.NewPtrOffsetCommitRequest()
	req.Group = cfg.group
	req.Generation = gen.ID
	req.MemberID = gen.MemberID
	if gen.ID != NoGeneration {
		req.InstanceID = cfg.instanceID
	}

	topics := make([]string, 0, len(offsets))
	for topic := range offsets {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		partitions := offsets[topic]
		if len(partitions) == 0 {
			continue
		}
		reqTopic := kmsg.NewOffsetCommitRequestTopic()
		reqTopic.Topic = topic
		for partition, offset := range partitions {
			reqPartition := kmsg.NewOffsetCommitRequestTopicPartition()
			reqPartition.Partition = partition
			reqPartition.Offset = offset.At
			reqPartition.LeaderEpoch = offset.LeaderEpoch
			reqPartition.Metadata = kmsg.StringPtr(offset.Metadata)
			reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
		}
		sort.Slice(reqTopic.Partitions, func(i, j int) bool {
			return reqTopic.Partitions[i].Partition < reqTopic.Partitions[j].Partition
		})
		req.Topics = append(req.Topics, reqTopic)
	}

	start := o.cl.now()
	n := countPartitions(offsets)
	return o.cl.send(coordinator, req).chain(func(resp kmsg.Response, err error) (kmsg.Response, error) {
		if err != nil {
			o.cl.coord.markDead(err)
		} else {
			err = o.handleCommitResponse(offsets, gen, resp.(*kmsg.OffsetCommitResponse))
		}
		cfg.hooks.each(func(h Hook) {
			if h, ok := h.(HookOffsetCommit); ok {
				h.OnOffsetCommit(cfg.group, n, o.cl.now().Sub(start), err)
			}
		})
		return resp, err
	})
}

// handleCommitResponse applies every successfully committed partition to the
// store immediately and returns the most severe partition error. Membership
// errors only force a rejoin if sent is still our generation.
func (o *offsetManager) handleCommitResponse(offsets map[string]map[int32]Offset, sent Generation, resp *kmsg.OffsetCommitResponse) error {
	cfg := &o.cl.cfg
	var (
		overall        error
		coordinatorErr error
	)
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			err := kerr.ErrorForCode(p.ErrorCode)
			if err == nil {
				if offset, ok := offsets[t.Topic][p.Partition]; ok {
					o.cl.subs.SetCommitted(t.Topic, p.Partition, offset)
				}
				continue
			}
			cfg.logger.Log(kgo.LogLevelWarn, "partition offset commit failed",
				"group", cfg.group,
				"topic", t.Topic,
				"partition", p.Partition,
				"err", err,
			)
			if isCoordinatorErr(err) {
				coordinatorErr = err
			}
			overall = worse(overall, err)
		}
	}

	if coordinatorErr != nil {
		o.cl.coord.markDead(coordinatorErr)
	}
	if isMembershipErr(overall) {
		if current := o.cl.group.gen; sent == current {
			o.cl.group.requestRejoin("commit: " + overall.Error())
		} else {
			cfg.logger.Log(kgo.LogLevelDebug, "ignoring membership error from a commit of an older generation",
				"group", cfg.group,
				"sent_generation", sent.ID,
				"generation", current.ID,
				"err", overall,
			)
		}
		return fmt.Errorf("%w: %w", ErrCommitFailed, overall)
	}
	return overall
}

// commitPositions makes one attempt to commit consumed positions, as before
// rejoining or leaving, so that whoever is assigned our partitions next
// resumes where we left off.
func (o *offsetManager) commitPositions(ctx context.Context, when string) {
	positions := o.cl.subs.Positions()
	if countPartitions(positions) == 0 {
		return
	}
	if err := o.cl.await(ctx, o.send(positions)); err != nil {
		o.cl.cfg.logger.Log(kgo.LogLevelWarn, "unable to commit positions "+when,
			"group", o.cl.cfg.group,
			"err", err,
		)
	}
}

// fetch loads committed offsets for partitions, retrying retriable failures.
// Partitions without a committed offset are absent from the result.
func (o *offsetManager) fetch(ctx context.Context, partitions map[string][]int32) (map[string]map[int32]Offset, error) {
	for tries := 1; ; tries++ {
		if err := o.cl.coord.ensure(ctx); err != nil {
			return nil, err
		}
		fetched, err := o.fetchOnce(ctx, partitions)
		if err == nil || !isRetriable(err) {
			return fetched, err
		}
		backoff := o.cl.cfg.retryBackoff(tries)
		o.cl.cfg.logger.Log(kgo.LogLevelInfo, "offset fetch failed, retrying after backoff",
			"group", o.cl.cfg.group,
			"backoff", backoff,
			"err", err,
		)
		if err := o.cl.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
}

func (o *offsetManager) fetchOnce(ctx context.Context, partitions map[string][]int32) (map[string]map[int32]Offset, error) {
	coordinator, ok := o.cl.coord.current()
	if !ok {
		return nil, kerr.CoordinatorNotAvailable
	}

	group := o.cl.cfg.group
	req := kmsg.NewPtrOffsetFetchRequest()
	req.Group = group
	reqGroup := kmsg.NewOffsetFetchRequestGroup()
	reqGroup.Group = group

	topics := make([]string, 0, len(partitions))
	for topic := range partitions {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		ps := append([]int32(nil), partitions[topic]...)
		sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })

		reqTopic := kmsg.NewOffsetFetchRequestTopic()
		reqTopic.Topic = topic
		reqTopic.Partitions = ps
		req.Topics = append(req.Topics, reqTopic)

		reqGroupTopic := kmsg.NewOffsetFetchRequestGroupTopic()
		reqGroupTopic.Topic = topic
		reqGroupTopic.Partitions = ps
		reqGroup.Topics = append(reqGroup.Topics, reqGroupTopic)
	}
	req.Groups = append(req.Groups, reqGroup)

	f := o.cl.send(coordinator, req)
	if err := o.cl.await(ctx, f); err != nil {
		if isCoordinatorErr(err) {
			o.cl.coord.markDead(err)
		}
		return nil, err
	}

	fetched, err := o.parseFetch(f.Response().(*kmsg.OffsetFetchResponse))
	if isCoordinatorErr(err) {
		o.cl.coord.markDead(err)
	}
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

type fetchedPartition struct {
	topic     string
	partition int32
	offset    int64
	epoch     int32
	metadata  *string
	errCode   int16
}

// parseFetch flattens either response layout and returns every partition
// with a committed offset.
func (o *offsetManager) parseFetch(resp *kmsg.OffsetFetchResponse) (map[string]map[int32]Offset, error) {
	cfg := &o.cl.cfg

	topLevel := resp.ErrorCode
	var parts []fetchedPartition
	if len(resp.Groups) > 0 {
		for _, g := range resp.Groups {
			if g.Group != cfg.group {
				continue
			}
			topLevel = g.ErrorCode
			for _, t := range g.Topics {
				for _, p := range t.Partitions {
					parts = append(parts, fetchedPartition{t.Topic, p.Partition, p.Offset, p.LeaderEpoch, p.Metadata, p.ErrorCode})
				}
			}
		}
	} else {
		for _, t := range resp.Topics {
			for _, p := range t.Partitions {
				parts = append(parts, fetchedPartition{t.Topic, p.Partition, p.Offset, p.LeaderEpoch, p.Metadata, p.ErrorCode})
			}
		}
	}

	if err := kerr.ErrorForCode(topLevel); err != nil {
		return nil, err
	}

	var overall error
	fetched := make(map[string]map[int32]Offset)
	for _, p := range parts {
		if err := kerr.ErrorForCode(p.errCode); err != nil {
			cfg.logger.Log(kgo.LogLevelWarn, "partition offset fetch failed",
				"group", cfg.group,
				"topic", p.topic,
				"partition", p.partition,
				"err", err,
			)
			overall = worse(overall, err)
			continue
		}
		if p.offset == NoOffset {
			continue
		}
		offset := Offset{At: p.offset, LeaderEpoch: p.epoch}
		if p.metadata != nil {
			offset.Metadata = *p.metadata
		}
		if fetched[p.topic] == nil {
			fetched[p.topic] = make(map[int32]Offset)
		}
		fetched[p.topic][p.partition] = offset
	}
	if overall != nil {
		return nil, overall
	}
	return fetched, nil
}

// refreshIfNeeded loads committed offsets for every assigned partition if
// the store asks for it. Partitions without a committed offset are left
// absent in the store.
func (o *offsetManager) refreshIfNeeded(ctx context.Context) error {
	subs := o.cl.subs
	if !subs.RefreshCommitsNeeded() {
		return nil
	}
	assigned := subs.Assigned()
	if len(assigned) > 0 {
		fetched, err := o.fetch(ctx, assigned)
		if err != nil {
			return err
		}
		for topic, ps := range fetched {
			for partition, offset := range ps {
				subs.SetCommitted(topic, partition, offset)
			}
		}
	}
	subs.CommitsRefreshed()
	return nil
}
