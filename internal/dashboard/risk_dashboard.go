// Package dashboard provides real-time risk monitoring for the trading
// engine: a web-based view plus WebSocket streaming of open positions,
// performance stats, and the emergency-flatten trip state, grounded on
// the teacher's RiskDashboard broadcast loop retargeted from the
// single-exchange Exec onto PositionBook/PerformanceTracker/
// emergency.Protocol.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"tradingcore/internal/book"
	"tradingcore/internal/emergency"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RiskMetrics is one broadcast snapshot of the engine's risk state.
type RiskMetrics struct {
	Timestamp time.Time `json:"timestamp"`

	OpenPositions int                `json:"openPositions"`
	Positions     []book.Position    `json:"positions"`
	TotalExposure float64            `json:"totalExposure"`

	EmergencyTriggered bool   `json:"emergencyTriggered"`
	LastEmergencyStatus string `json:"lastEmergencyStatus"`
	LastEmergencyReason  string `json:"lastEmergencyReason"`

	SymbolStats map[string]book.PerformanceStats `json:"symbolStats"`
}

// RiskDashboard serves a live view of positions, performance, and the
// emergency-flatten trip state over HTTP and WebSocket.
type RiskDashboard struct {
	positions   *book.PositionBook
	performance *book.PerformanceTracker
	emergency   *emergency.Protocol
	symbols     []string

	server           *http.Server
	upgrader         websocket.Upgrader
	clients          map[*websocket.Conn]bool
	clientsMu        sync.RWMutex
	broadcastChannel chan RiskMetrics
	stopChannel      chan struct{}
	isRunning        bool
	mu               sync.RWMutex
}

// NewRiskDashboard builds a dashboard over the shared position book,
// performance tracker, and emergency protocol the live engine already
// owns. symbols is the universe to report PerformanceStats for.
func NewRiskDashboard(positions *book.PositionBook, performance *book.PerformanceTracker, emrg *emergency.Protocol, symbols []string, port int) *RiskDashboard {
	d := &RiskDashboard{
		positions:        positions,
		performance:      performance,
		emergency:        emrg,
		symbols:          symbols,
		upgrader:         websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:          make(map[*websocket.Conn]bool),
		broadcastChannel: make(chan RiskMetrics, 100),
		stopChannel:      make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", d.handleDashboard).Methods("GET")
	r.HandleFunc("/api/metrics", d.handleMetricsAPI).Methods("GET")
	r.HandleFunc("/ws", d.handleWebSocket).Methods("GET")

	d.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return d
}

func (d *RiskDashboard) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isRunning {
		return fmt.Errorf("risk dashboard is already running")
	}

	go d.metricsCollector()
	go d.clientBroadcaster()

	go func() {
		log.Info().Str("address", d.server.Addr).Msg("starting risk dashboard server")
		if err := d.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("risk dashboard server failed")
		}
	}()

	d.isRunning = true
	return nil
}

func (d *RiskDashboard) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.isRunning {
		return nil
	}
	close(d.stopChannel)

	d.clientsMu.Lock()
	for client := range d.clients {
		client.Close()
	}
	d.clients = make(map[*websocket.Conn]bool)
	d.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Shutdown(ctx); err != nil {
		return err
	}
	d.isRunning = false
	return nil
}

func (d *RiskDashboard) metricsCollector() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case d.broadcastChannel <- d.collectMetrics():
			default:
			}
		case <-d.stopChannel:
			return
		}
	}
}

func (d *RiskDashboard) clientBroadcaster() {
	for {
		select {
		case m := <-d.broadcastChannel:
			d.broadcastToClients(m)
		case <-d.stopChannel:
			return
		}
	}
}

func (d *RiskDashboard) collectMetrics() RiskMetrics {
	positions := d.positions.Snapshot()

	var totalExposure float64
	for _, p := range positions {
		totalExposure += p.Quantity * p.EntryPrice
	}

	symbolStats := make(map[string]book.PerformanceStats, len(d.symbols))
	for _, s := range d.symbols {
		symbolStats[s] = d.performance.Get(s)
	}

	m := RiskMetrics{
		Timestamp:     time.Now(),
		OpenPositions: len(positions),
		Positions:     positions,
		TotalExposure: totalExposure,
		SymbolStats:   symbolStats,
	}
	if d.emergency != nil {
		m.EmergencyTriggered = d.emergency.Triggered()
		if last, ok := d.emergency.LastResult(); ok {
			m.LastEmergencyStatus = last.Status
			m.LastEmergencyReason = last.Reason
		}
	}
	return m
}

func (d *RiskDashboard) broadcastToClients(m RiskMetrics) {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()

	data, err := json.Marshal(m)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal metrics for broadcast")
		return
	}
	for client := range d.clients {
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			delete(d.clients, client)
		}
	}
}

func (d *RiskDashboard) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <title>Trading Core - Risk Dashboard</title>
    <meta charset="UTF-8">
    <style>
        body { font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 1400px; margin: 0 auto; }
        .header { background: linear-gradient(135deg, #667eea 0%, #764ba2 100%); color: white; padding: 20px; border-radius: 10px; margin-bottom: 20px; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(300px, 1fr)); gap: 20px; }
        .card { background: white; border-radius: 10px; padding: 20px; box-shadow: 0 4px 6px rgba(0,0,0,0.1); }
        .metric { display: flex; justify-content: space-between; padding: 8px 0; border-bottom: 1px solid #eee; }
        table { width: 100%; border-collapse: collapse; margin-top: 10px; }
        th, td { text-align: left; padding: 8px; border-bottom: 1px solid #eee; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header"><h1>Risk Dashboard</h1></div>
        <div class="grid">
            <div class="card">
                <h3>Positions</h3>
                <div class="metric"><span>Open Positions</span><span id="open-positions">0</span></div>
                <div class="metric"><span>Total Exposure</span><span id="total-exposure">$0.00</span></div>
                <table><thead><tr><th>Symbol</th><th>Qty</th><th>Entry</th></tr></thead>
                <tbody id="positions-body"><tr><td colspan="3">No open positions</td></tr></tbody></table>
            </div>
            <div class="card">
                <h3>Emergency Protocol</h3>
                <div class="metric"><span>Triggered</span><span id="emergency-triggered">false</span></div>
                <div class="metric"><span>Last Status</span><span id="emergency-status">--</span></div>
                <div class="metric"><span>Last Reason</span><span id="emergency-reason">--</span></div>
            </div>
        </div>
    </div>
    <script>
        const ws = new WebSocket('ws://' + location.host + '/ws');
        ws.onmessage = function(event) {
            const data = JSON.parse(event.data);
            document.getElementById('open-positions').textContent = data.openPositions;
            document.getElementById('total-exposure').textContent = '$' + data.totalExposure.toFixed(2);
            document.getElementById('emergency-triggered').textContent = data.emergencyTriggered;
            document.getElementById('emergency-status').textContent = data.lastEmergencyStatus || '--';
            document.getElementById('emergency-reason').textContent = data.lastEmergencyReason || '--';

            const body = document.getElementById('positions-body');
            body.innerHTML = '';
            if (!data.positions || data.positions.length === 0) {
                body.innerHTML = '<tr><td colspan="3">No open positions</td></tr>';
                return;
            }
            for (const p of data.positions) {
                const row = document.createElement('tr');
                row.innerHTML = '<td>' + p.Symbol + '</td><td>' + p.Quantity.toFixed(4) + '</td><td>' + p.EntryPrice.toFixed(2) + '</td>';
                body.appendChild(row);
            }
        };
        ws.onclose = function() { setTimeout(() => location.reload(), 5000); };
    </script>
</body>
</html>
	`
	t, err := template.New("dashboard").Parse(tmpl)
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	t.Execute(w, nil)
}

func (d *RiskDashboard) handleMetricsAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d.collectMetrics())
}

func (d *RiskDashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade websocket connection")
		return
	}
	defer conn.Close()

	d.clientsMu.Lock()
	d.clients[conn] = true
	d.clientsMu.Unlock()

	if data, err := json.Marshal(d.collectMetrics()); err == nil {
		conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	d.clientsMu.Lock()
	delete(d.clients, conn)
	d.clientsMu.Unlock()
}
