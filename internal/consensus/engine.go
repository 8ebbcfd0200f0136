package consensus

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sam-2707/EdgeQI-sub000/internal/config"
	"github.com/sam-2707/EdgeQI-sub000/internal/mesh"
)

// Variant selects how votes are tallied.
type Variant string

const (
	SimpleMajority    Variant = "simple_majority"
	WeightedConsensus Variant = "weighted_consensus"
)

// Proposal is a yes/no question put to the mesh.
type Proposal struct {
	ProposalID   string                 `json:"proposal_id"`
	ProposerID   string                 `json:"proposer_id"`
	ProposalType string                 `json:"proposal_type"`
	ProposalData map[string]interface{} `json:"proposal_data"`
	Timestamp    float64                `json:"timestamp"`
	Deadline     float64                `json:"deadline"`
	Priority     int                    `json:"priority"`
}

// Vote is a single voter's answer to a proposal.
type Vote struct {
	ProposalID string  `json:"proposal_id"`
	VoterID    string  `json:"voter_id"`
	Vote       bool    `json:"vote"`
	Weight     float64 `json:"weight"`
	Timestamp  float64 `json:"timestamp"`
	Reasoning  string  `json:"reasoning"`
}

// Result is the finalized outcome of a proposal.
type Result struct {
	ProposalID    string        `json:"proposal_id"`
	ProposalType  string        `json:"proposal_type"`
	VotesFor      int           `json:"votes_for"`
	VotesAgainst  int           `json:"votes_against"`
	WeightFor     float64       `json:"weight_for"`
	WeightAgainst float64       `json:"weight_against"`
	Decision      bool          `json:"decision"`
	Confidence    float64       `json:"confidence"`
	Participants  []string      `json:"participants"`
	Duration      time.Duration `json:"duration"`
	QuorumReached bool          `json:"quorum_reached"`
}

// requestPayload is the wire form of a consensus request.
type requestPayload struct {
	Proposal      Proposal `json:"proposal"`
	ConsensusType Variant  `json:"consensus_type"`
}

// responsePayload is the wire form of a consensus response.
type responsePayload struct {
	ProposalID string  `json:"proposal_id"`
	Vote       bool    `json:"vote"`
	Weight     float64 `json:"weight"`
	Reasoning  string  `json:"reasoning"`
}

// Stats describes engine activity.
type Stats struct {
	Proposed  int64 `json:"proposed"`
	Reached   int64 `json:"reached"`
	Failed    int64 `json:"failed"`
	VotesCast int64 `json:"votes_cast"`
}

type activeProposal struct {
	proposal *Proposal
	votes    map[string]*Vote
	started  time.Time
	resultCh chan *Result
}

// Engine coordinates yes/no decisions over the mesh substrate.
type Engine struct {
	nodeID    string
	variant   Variant
	substrate *mesh.Substrate
	config    *config.ConsensusConfig
	logger    *logrus.Entry

	evaluators map[string]Evaluator

	weights   map[string]float64
	weightsMu sync.RWMutex

	active   map[string]*activeProposal
	activeMu sync.Mutex

	seen   map[string]float64 // proposalID -> deadline, for peer-side dedup
	seenMu sync.Mutex

	history   []*Result
	historyMu sync.RWMutex

	stats   Stats
	statsMu sync.Mutex

	selfWeight float64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// NewEngine creates a consensus engine on the given substrate.
func NewEngine(substrate *mesh.Substrate, cfg *config.ConsensusConfig, logger *logrus.Logger) *Engine {
	return &Engine{
		nodeID:     substrate.NodeID(),
		variant:    Variant(cfg.Type),
		substrate:  substrate,
		config:     cfg,
		logger:     logger.WithField("component", "consensus"),
		evaluators: defaultEvaluators(),
		weights:    make(map[string]float64),
		active:     make(map[string]*activeProposal),
		seen:       make(map[string]float64),
		selfWeight: 1.0,
	}
}

// Start registers the consensus message handlers.
func (e *Engine) Start(ctx context.Context) error {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()

	if e.running {
		return fmt.Errorf("consensus engine already running")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	e.substrate.Register(mesh.TypeConsensusRequest, e.handleRequest)
	e.substrate.Register(mesh.TypeConsensusResponse, e.handleResponse)

	e.running = true
	e.logger.WithField("variant", e.variant).Info("Consensus engine started")
	return nil
}

// Stop cancels all proposal reapers.
func (e *Engine) Stop() error {
	e.runningMu.Lock()
	defer e.runningMu.Unlock()

	if !e.running {
		return nil
	}

	e.cancel()
	e.wg.Wait()
	e.running = false
	e.logger.Info("Consensus engine stopped")
	return nil
}

// RegisterEvaluator overrides the evaluator for a proposal type.
func (e *Engine) RegisterEvaluator(proposalType string, eval Evaluator) {
	e.evaluators[proposalType] = eval
}

// SetPeerWeight overrides the weight used for a peer's votes, clamped to
// [0.1, 5.0].
func (e *Engine) SetPeerWeight(peerID string, weight float64) {
	weight = math.Max(0.1, math.Min(5.0, weight))

	e.weightsMu.Lock()
	defer e.weightsMu.Unlock()
	e.weights[peerID] = weight
}

func (e *Engine) weightOf(peerID string, reported float64) float64 {
	e.weightsMu.RLock()
	defer e.weightsMu.RUnlock()

	if w, overridden := e.weights[peerID]; overridden {
		return w
	}
	if reported <= 0 {
		return 1.0
	}
	return math.Max(0.1, math.Min(5.0, reported))
}

// Propose broadcasts a proposal, casts the proposer's self-vote and returns a
// channel that receives the finalized result.
func (e *Engine) Propose(proposalType string, data map[string]interface{}, timeout time.Duration, priority int) (string, <-chan *Result, error) {
	e.runningMu.RLock()
	running := e.running
	e.runningMu.RUnlock()
	if !running {
		return "", nil, fmt.Errorf("consensus engine not running")
	}

	if timeout <= 0 {
		timeout = e.config.DefaultVoteTimeout
	}
	if data == nil {
		data = make(map[string]interface{})
	}

	now := time.Now()
	proposal := &Proposal{
		ProposalID:   fmt.Sprintf("%s_%s", e.nodeID, uuid.NewString()[:8]),
		ProposerID:   e.nodeID,
		ProposalType: proposalType,
		ProposalData: data,
		Timestamp:    float64(now.UnixNano()) / float64(time.Second),
		Deadline:     float64(now.Add(timeout).UnixNano()) / float64(time.Second),
		Priority:     priority,
	}

	ap := &activeProposal{
		proposal: proposal,
		votes:    make(map[string]*Vote),
		started:  now,
		resultCh: make(chan *Result, 1),
	}

	e.activeMu.Lock()
	e.active[proposal.ProposalID] = ap
	e.activeMu.Unlock()

	e.statsMu.Lock()
	e.stats.Proposed++
	e.statsMu.Unlock()

	// The proposer votes on its own proposal before broadcasting.
	vote, reasoning := e.evaluate(proposalType, data)
	e.recordVote(ap, &Vote{
		ProposalID: proposal.ProposalID,
		VoterID:    e.nodeID,
		Vote:       vote,
		Weight:     e.weightOf(e.nodeID, e.selfWeight),
		Timestamp:  proposal.Timestamp,
		Reasoning:  reasoning,
	})

	msg, err := mesh.NewMessage(e.nodeID, mesh.Broadcast, mesh.TypeConsensusRequest, nil, priority, int(timeout.Seconds())+1)
	if err != nil {
		return "", nil, err
	}
	if err := msg.SetPayload(requestPayload{Proposal: *proposal, ConsensusType: e.variant}); err != nil {
		return "", nil, err
	}
	if err := e.substrate.Send(msg); err != nil {
		e.logger.WithError(err).WithField("proposal_id", proposal.ProposalID).Debug("Proposal broadcast reached no peer")
	}

	e.wg.Add(1)
	go e.reapProposal(ap)

	e.logger.WithFields(logrus.Fields{
		"proposal_id":   proposal.ProposalID,
		"proposal_type": proposalType,
		"deadline":      proposal.Deadline,
	}).Info("Proposal submitted")

	return proposal.ProposalID, ap.resultCh, nil
}

// evaluate runs the evaluator for a proposal type, falling back to the
// default confidence rule.
func (e *Engine) evaluate(proposalType string, data map[string]interface{}) (bool, string) {
	if eval, exists := e.evaluators[proposalType]; exists {
		return eval(data)
	}
	return defaultEvaluate(data)
}

// recordVote appends a vote, discarding duplicates per (proposal, voter).
func (e *Engine) recordVote(ap *activeProposal, vote *Vote) bool {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()

	if _, duplicate := ap.votes[vote.VoterID]; duplicate {
		e.logger.WithFields(logrus.Fields{
			"proposal_id": vote.ProposalID,
			"voter_id":    vote.VoterID,
		}).Debug("Duplicate vote discarded")
		return false
	}
	ap.votes[vote.VoterID] = vote
	return true
}

// handleRequest evaluates a peer's proposal and replies with a vote.
func (e *Engine) handleRequest(msg *mesh.Message) {
	var payload requestPayload
	if err := msg.DecodePayload(&payload); err != nil {
		e.logger.WithError(err).Debug("Invalid consensus request payload")
		return
	}
	proposal := payload.Proposal

	// Own proposals come back on the broadcast path.
	if proposal.ProposerID == e.nodeID {
		return
	}

	now := float64(time.Now().UnixNano()) / float64(time.Second)
	if now > proposal.Deadline {
		e.logger.WithField("proposal_id", proposal.ProposalID).Debug("Ignoring expired proposal")
		return
	}

	e.seenMu.Lock()
	if _, known := e.seen[proposal.ProposalID]; known {
		e.seenMu.Unlock()
		return
	}
	e.seen[proposal.ProposalID] = proposal.Deadline
	if len(e.seen) > 1024 {
		for id, deadline := range e.seen {
			if now > deadline {
				delete(e.seen, id)
			}
		}
	}
	e.seenMu.Unlock()

	vote, reasoning := e.evaluate(proposal.ProposalType, proposal.ProposalData)

	e.statsMu.Lock()
	e.stats.VotesCast++
	e.statsMu.Unlock()

	reply, err := mesh.NewMessage(e.nodeID, proposal.ProposerID, mesh.TypeConsensusResponse, nil, proposal.Priority, int(e.config.DefaultVoteTimeout.Seconds())+1)
	if err != nil {
		return
	}
	if err := reply.SetPayload(responsePayload{
		ProposalID: proposal.ProposalID,
		Vote:       vote,
		Weight:     e.weightOf(e.nodeID, e.selfWeight),
		Reasoning:  reasoning,
	}); err != nil {
		return
	}

	if err := e.substrate.Send(reply); err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{
			"proposal_id": proposal.ProposalID,
			"proposer":    proposal.ProposerID,
		}).Warn("Failed to send vote")
	}
}

// handleResponse records a peer's vote on a local proposal.
func (e *Engine) handleResponse(msg *mesh.Message) {
	var payload responsePayload
	if err := msg.DecodePayload(&payload); err != nil {
		e.logger.WithError(err).Debug("Invalid consensus response payload")
		return
	}

	e.activeMu.Lock()
	ap, exists := e.active[payload.ProposalID]
	e.activeMu.Unlock()
	if !exists {
		e.logger.WithField("proposal_id", payload.ProposalID).Debug("Vote for unknown or finalized proposal")
		return
	}

	e.recordVote(ap, &Vote{
		ProposalID: payload.ProposalID,
		VoterID:    msg.SenderID,
		Vote:       payload.Vote,
		Weight:     e.weightOf(msg.SenderID, payload.Weight),
		Timestamp:  msg.Timestamp,
		Reasoning:  payload.Reasoning,
	})
}

// quorumThreshold computes the early-finalization threshold for the current
// peer count.
func (e *Engine) quorumThreshold() int {
	peers := len(e.substrate.ConnectedPeers())
	threshold := int(math.Ceil(float64(peers+1)/2)) + 1
	if threshold < 2 {
		threshold = 2
	}
	return threshold
}

// reapProposal polls the tally until quorum or deadline, then finalizes.
func (e *Engine) reapProposal(ap *activeProposal) {
	defer e.wg.Done()

	interval := e.config.TallyInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	deadline := time.Unix(0, int64(ap.proposal.Deadline*float64(time.Second)))

	for {
		select {
		case <-e.ctx.Done():
			e.finalize(ap, false)
			return
		case <-ticker.C:
			e.activeMu.Lock()
			tally := len(ap.votes)
			e.activeMu.Unlock()

			if tally >= e.quorumThreshold() {
				e.finalize(ap, true)
				return
			}
			if !time.Now().Before(deadline) {
				e.finalize(ap, false)
				return
			}
		}
	}
}

// finalize computes the result, removes the proposal from the active set and
// appends it to the bounded history. A proposal that missed quorum is
// decided false regardless of its tally.
func (e *Engine) finalize(ap *activeProposal, quorumReached bool) {
	e.activeMu.Lock()
	if _, stillActive := e.active[ap.proposal.ProposalID]; !stillActive {
		e.activeMu.Unlock()
		return
	}
	delete(e.active, ap.proposal.ProposalID)

	result := &Result{
		ProposalID:    ap.proposal.ProposalID,
		ProposalType:  ap.proposal.ProposalType,
		Duration:      time.Since(ap.started),
		QuorumReached: quorumReached,
	}
	for voterID, vote := range ap.votes {
		result.Participants = append(result.Participants, voterID)
		if vote.Vote {
			result.VotesFor++
			result.WeightFor += vote.Weight
		} else {
			result.VotesAgainst++
			result.WeightAgainst += vote.Weight
		}
	}
	e.activeMu.Unlock()

	switch e.variant {
	case WeightedConsensus:
		totalWeight := result.WeightFor + result.WeightAgainst
		if totalWeight > 0 {
			result.Confidence = math.Abs(result.WeightFor-result.WeightAgainst) / totalWeight
		}
		result.Decision = quorumReached && result.WeightFor > result.WeightAgainst
	default:
		voteCount := result.VotesFor + result.VotesAgainst
		if voteCount > 0 {
			result.Confidence = math.Abs(float64(result.VotesFor-result.VotesAgainst)) / float64(voteCount)
		}
		result.Decision = quorumReached && result.VotesFor > result.VotesAgainst
	}

	e.historyMu.Lock()
	e.history = append(e.history, result)
	if max := e.config.HistorySize; max > 0 && len(e.history) > max {
		e.history = e.history[len(e.history)-max:]
	}
	e.historyMu.Unlock()

	e.statsMu.Lock()
	if quorumReached {
		e.stats.Reached++
	} else {
		e.stats.Failed++
	}
	e.statsMu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"proposal_id":    result.ProposalID,
		"decision":       result.Decision,
		"votes_for":      result.VotesFor,
		"votes_against":  result.VotesAgainst,
		"confidence":     result.Confidence,
		"quorum_reached": quorumReached,
	}).Info("Proposal finalized")

	ap.resultCh <- result
}

// ActiveProposals returns the number of proposals awaiting finalization.
func (e *Engine) ActiveProposals() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

// History returns a snapshot of finalized results, newest last.
func (e *Engine) History() []*Result {
	e.historyMu.RLock()
	defer e.historyMu.RUnlock()

	history := make([]*Result, len(e.history))
	copy(history, e.history)
	return history
}

// Stats returns a snapshot of engine statistics.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}
