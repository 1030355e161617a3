// Package introspect 提供本地自省 HTTP 服务
//
// 该服务运行在本地端口，提供 JSON 格式的诊断信息，用于调试和监控。
// 默认绑定到 127.0.0.1，不暴露到网络。
//
// 端点：
//   - GET /debug/introspect             - 完整诊断报告 (JSON)
//   - GET /debug/introspect/node        - 节点信息
//   - GET /debug/introspect/connections - 连接信息
//   - GET /debug/introspect/dht         - 记录与监听
//   - GET /metrics                      - Prometheus 指标
//   - GET /health                       - 健康检查
//   - GET /debug/pprof/*                - Go pprof 端点
package introspect

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dep2p/go-overlay/internal/core/connmgr"
	"github.com/dep2p/go-overlay/internal/core/metrics"
	"github.com/dep2p/go-overlay/internal/core/network"
	"github.com/dep2p/go-overlay/internal/core/routing"
	"github.com/dep2p/go-overlay/internal/dht"
	"github.com/dep2p/go-overlay/pkg/lib/log"
	"github.com/dep2p/go-overlay/pkg/types"
)

var logger = log.Logger("core/introspect")

// DefaultAddr 默认监听地址
const DefaultAddr = "127.0.0.1:6060"

// Sources 诊断数据来源，除 RoutingTable 外均可为 nil
type Sources struct {
	RoutingTable *routing.RoutingTable
	Network      *network.Manager
	ConnMgr      *connmgr.Manager
	DHT          *dht.Engine
	Metrics      *metrics.Metrics
	Bandwidth    *metrics.BandwidthCounter
}

// Server 本地自省 HTTP 服务
type Server struct {
	src   Sources
	clock clock.Clock
	addr  string

	server   *http.Server
	listener net.Listener

	running bool
	mu      sync.Mutex
}

// New 创建自省服务
func New(addr string, clk clock.Clock, src Sources) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{src: src, clock: clk, addr: addr}
}

// Handler 返回全部端点的路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/introspect", s.handleIntrospect)
	mux.HandleFunc("/debug/introspect/node", s.handleNode)
	mux.HandleFunc("/debug/introspect/connections", s.handleConnections)
	mux.HandleFunc("/debug/introspect/dht", s.handleDHT)
	mux.HandleFunc("/health", s.handleHealth)

	if s.src.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.src.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

// Start 启动服务
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// pprof profile 默认采样 30 秒
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("自省服务异常退出", "error", err)
		}
	}()

	s.running = true
	logger.Info("自省服务已启动", "addr", listener.Addr().String())
	return nil
}

// Stop 停止服务
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	if err := s.server.Shutdown(ctx); err != nil {
		logger.Warn("关闭自省服务失败", "error", err)
		return err
	}
	logger.Info("自省服务已停止")
	return nil
}

// Addr 返回实际监听地址
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ============================================================================
//                              诊断报告
// ============================================================================

// Report 完整诊断报告
type Report struct {
	Timestamp   time.Time          `json:"timestamp"`
	Node        NodeReport         `json:"node"`
	Connections *ConnectionsReport `json:"connections,omitempty"`
	DHT         *DHTReport         `json:"dht,omitempty"`
}

// NodeReport 节点信息
type NodeReport struct {
	NodeIDs        []string               `json:"node_ids"`
	RoutingEntries int                    `json:"routing_entries"`
	Relays         []string               `json:"relays,omitempty"`
	PeerInfo       map[string][]string    `json:"dial_info,omitempty"`
	ContactMethods map[string]KindCounter `json:"contact_methods,omitempty"`
}

// KindCounter 联系方式成功/失败次数
type KindCounter struct {
	Success uint64 `json:"success"`
	Failure uint64 `json:"failure"`
}

// ConnectionsReport 连接信息
type ConnectionsReport struct {
	Count       int              `json:"count"`
	BytesIn     int64            `json:"bytes_in"`
	BytesOut    int64            `json:"bytes_out"`
	Connections []ConnectionItem `json:"connections"`
}

// ConnectionItem 单条连接
type ConnectionItem struct {
	ID          uint64    `json:"id"`
	Flow        string    `json:"flow"`
	Outbound    bool      `json:"outbound"`
	Established time.Time `json:"established"`
	LastSend    time.Time `json:"last_send,omitempty"`
	LastRecv    time.Time `json:"last_recv,omitempty"`
}

// DHTReport 记录与监听
type DHTReport struct {
	Records []RecordItem `json:"records"`
}

// RecordItem 单条本地记录
type RecordItem struct {
	Key             string `json:"key"`
	Offline         string `json:"offline_subkeys,omitempty"`
	InboundWatches  int    `json:"inbound_watches"`
	OutboundWatched bool   `json:"outbound_watched"`
}

// Collect 生成诊断报告
func (s *Server) Collect() Report {
	return Report{
		Timestamp:   s.clock.Now(),
		Node:        s.collectNode(),
		Connections: s.collectConnections(),
		DHT:         s.collectDHT(),
	}
}

func (s *Server) collectNode() NodeReport {
	rt := s.src.RoutingTable
	rep := NodeReport{RoutingEntries: rt.EntryCount()}
	for _, id := range rt.Identity().NodeIDs() {
		rep.NodeIDs = append(rep.NodeIDs, id.String())
	}
	for _, nr := range rt.RelayNodes() {
		rep.Relays = append(rep.Relays, nr.String())
	}
	for _, domain := range types.AllRoutingDomains {
		pi := rt.OwnPeerInfo(domain)
		if pi == nil {
			continue
		}
		if rep.PeerInfo == nil {
			rep.PeerInfo = make(map[string][]string)
		}
		dis := make([]string, 0, len(pi.NodeInfo.DialInfoDetails))
		for _, d := range pi.NodeInfo.DialInfoDetails {
			dis = append(dis, d.DialInfo.String())
		}
		rep.PeerInfo[domain.String()] = dis
	}
	if s.src.Network != nil {
		stats := s.src.Network.ContactMethodStats()
		if len(stats) > 0 {
			rep.ContactMethods = make(map[string]KindCounter, len(stats))
			for kind, st := range stats {
				rep.ContactMethods[kind.String()] = KindCounter{Success: st.Success, Failure: st.Failure}
			}
		}
	}
	return rep
}

func (s *Server) collectConnections() *ConnectionsReport {
	if s.src.ConnMgr == nil {
		return nil
	}
	conns := s.src.ConnMgr.Connections()
	rep := &ConnectionsReport{Count: len(conns), Connections: make([]ConnectionItem, 0, len(conns))}
	for _, c := range conns {
		rep.Connections = append(rep.Connections, ConnectionItem{
			ID:          uint64(c.ID),
			Flow:        c.Flow.String(),
			Outbound:    c.DialInfo != nil,
			Established: c.Established,
			LastSend:    c.LastSend,
			LastRecv:    c.LastRecv,
		})
	}
	sort.Slice(rep.Connections, func(i, j int) bool { return rep.Connections[i].ID < rep.Connections[j].ID })
	if s.src.Bandwidth != nil {
		rep.BytesIn, rep.BytesOut = s.src.Bandwidth.Totals()
	}
	return rep
}

func (s *Server) collectDHT() *DHTReport {
	if s.src.DHT == nil {
		return nil
	}
	keys := s.src.DHT.RecordKeys()
	rep := &DHTReport{Records: make([]RecordItem, 0, len(keys))}
	for _, key := range keys {
		item := RecordItem{
			Key:             key.String(),
			InboundWatches:  s.src.DHT.InboundWatchCount(key),
			OutboundWatched: s.src.DHT.HasWatch(key),
		}
		if off := s.src.DHT.OfflineSubkeys(key); !off.IsEmpty() {
			item.Offline = off.String()
		}
		rep.Records = append(rep.Records, item)
	}
	sort.Slice(rep.Records, func(i, j int) bool { return rep.Records[i].Key < rep.Records[j].Key })
	return rep
}

// ============================================================================
//                              HTTP 处理器
// ============================================================================

func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, s.Collect())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	s.writeJSON(w, s.collectNode())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	rep := s.collectConnections()
	if rep == nil {
		http.Error(w, "connection manager not available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, rep)
}

func (s *Server) handleDHT(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	rep := s.collectDHT()
	if rep == nil {
		http.Error(w, "dht not available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, rep)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	health := struct {
		Status    string    `json:"status"`
		Timestamp time.Time `json:"timestamp"`
	}{
		Status:    "ok",
		Timestamp: s.clock.Now(),
	}
	if s.src.Network != nil && !s.src.Network.IsStarted() {
		health.Status = "degraded"
	}
	s.writeJSON(w, health)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// writeJSON 写入 JSON 响应
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		logger.Error("JSON 编码失败", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
