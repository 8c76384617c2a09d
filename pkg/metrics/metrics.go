package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcom_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	TasksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_tasks_assigned_total",
			Help: "Total number of task assignments",
		},
	)

	TasksReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_tasks_reclaimed_total",
			Help: "Total number of tasks reclaimed from agents",
		},
	)

	TasksDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to the dead letter state",
		},
	)

	// Scheduler metrics
	SchedulerPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_scheduler_passes_total",
			Help: "Total number of scheduling passes",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentcom_scheduling_latency_seconds",
			Help:    "Time taken by one scheduling pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StuckTasksSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentcom_stuck_tasks_swept_total",
			Help: "Total number of stuck tasks reclaimed by the sweep",
		},
	)

	// Agent metrics
	AgentsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcom_agents_connected",
			Help: "Number of currently connected agents",
		},
	)

	AgentsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcom_agents_by_state",
			Help: "Number of connected agents by state",
		},
		[]string{"state"},
	)

	// Hub metrics
	HubState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentcom_hub_state",
			Help: "Current hub state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	HubTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_hub_transitions_total",
			Help: "Total number of hub state transitions by target state",
		},
		[]string{"to"},
	)

	// LLM metrics
	LLMInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_llm_invocations_total",
			Help: "Total number of LLM invocations by outcome",
		},
		[]string{"outcome"},
	)

	LLMTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_llm_tokens_total",
			Help: "Total LLM tokens by direction",
		},
		[]string{"direction"},
	)

	// Router metrics
	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_messages_routed_total",
			Help: "Total number of messages routed by kind",
		},
		[]string{"kind"},
	)

	MailboxDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentcom_mailbox_depth",
			Help: "Total number of undelivered mailbox entries",
		},
	)

	// Rate limit metrics
	RateLimitViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_rate_limit_violations_total",
			Help: "Total number of rate limit violations by tier",
		},
		[]string{"tier"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentcom_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(TasksAssigned)
	prometheus.MustRegister(TasksReclaimed)
	prometheus.MustRegister(TasksDeadLettered)
	prometheus.MustRegister(SchedulerPasses)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(StuckTasksSwept)
	prometheus.MustRegister(AgentsConnected)
	prometheus.MustRegister(AgentsByState)
	prometheus.MustRegister(HubState)
	prometheus.MustRegister(HubTransitions)
	prometheus.MustRegister(LLMInvocations)
	prometheus.MustRegister(LLMTokens)
	prometheus.MustRegister(MessagesRouted)
	prometheus.MustRegister(MailboxDepth)
	prometheus.MustRegister(RateLimitViolations)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
