package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "overlay"

// Metrics Prometheus 指标集合
type Metrics struct {
	registry *prometheus.Registry

	punishments       *prometheus.CounterVec
	contactMethods    *prometheus.CounterVec
	relayPackets      *prometheus.CounterVec
	envelopes         *prometheus.CounterVec
	connections       *prometheus.GaugeVec
	connectionEvicted *prometheus.CounterVec
	fanoutRuns        *prometheus.CounterVec
	rpcOperations     *prometheus.CounterVec
	dhtValues         *prometheus.CounterVec
}

// New 创建并注册到独立 Registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		punishments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "addrfilter", Name: "punishments_total",
			Help: "Punishments applied, by target kind and reason.",
		}, []string{"target", "reason"}),
		contactMethods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "contact_method_total",
			Help: "Contact method send outcomes, by method kind.",
		}, []string{"kind", "outcome"}),
		relayPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "relay_packets_total",
			Help: "Relayed envelopes, by outcome.",
		}, []string{"outcome"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "network", Name: "envelopes_received_total",
			Help: "Inbound frames, by disposition.",
		}, []string{"result"}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "connmgr", Name: "connections",
			Help: "Live connections in the connection table, by protocol.",
		}, []string{"protocol"}),
		connectionEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "connmgr", Name: "evictions_total",
			Help: "Connections evicted from the connection table, by protocol.",
		}, []string{"protocol"}),
		fanoutRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fanout", Name: "runs_total",
			Help: "Fanout runs, by final result kind.",
		}, []string{"result"}),
		rpcOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "operations_total",
			Help: "RPC operations, by operation name and direction.",
		}, []string{"op", "direction"}),
		dhtValues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dht", Name: "value_ops_total",
			Help: "DHT value operations, by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
	m.registry.MustRegister(
		m.punishments, m.contactMethods, m.relayPackets, m.envelopes,
		m.connections, m.connectionEvicted, m.fanoutRuns, m.rpcOperations, m.dhtValues,
	)
	return m
}

// Registry 返回 Prometheus Registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Punished 记录一次惩罚，target 为 "ip" 或 "node"
func (m *Metrics) Punished(target, reason string) {
	if m == nil {
		return
	}
	m.punishments.WithLabelValues(target, reason).Inc()
}

// ContactMethod 记录联系方式结果
func (m *Metrics) ContactMethod(kind string, success bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.contactMethods.WithLabelValues(kind, outcome).Inc()
}

// RelayPacket 记录中继结果：forwarded / dropped / failed
func (m *Metrics) RelayPacket(outcome string) {
	if m == nil {
		return
	}
	m.relayPackets.WithLabelValues(outcome).Inc()
}

// Envelope 记录入站帧的处置
func (m *Metrics) Envelope(result string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(result).Inc()
}

// SetConnections 设置某协议当前连接数
func (m *Metrics) SetConnections(protocol string, n int) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(protocol).Set(float64(n))
}

// Evicted 记录一次 LRU 淘汰
func (m *Metrics) Evicted(protocol string) {
	if m == nil {
		return
	}
	m.connectionEvicted.WithLabelValues(protocol).Inc()
}

// FanoutRun 记录一次扇出结束
func (m *Metrics) FanoutRun(result string) {
	if m == nil {
		return
	}
	m.fanoutRuns.WithLabelValues(result).Inc()
}

// RPCOperation 记录 RPC 操作，direction 为 "in" 或 "out"
func (m *Metrics) RPCOperation(op, direction string) {
	if m == nil {
		return
	}
	m.rpcOperations.WithLabelValues(op, direction).Inc()
}

// DHTValue 记录 DHT 值操作，op 为 get / set / watch / inbound_set 等
func (m *Metrics) DHTValue(op, outcome string) {
	if m == nil {
		return
	}
	m.dhtValues.WithLabelValues(op, outcome).Inc()
}
