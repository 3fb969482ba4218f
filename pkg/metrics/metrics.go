/*
Copyright 2026 The CFEngine authors.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published
by the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package metrics registers the server's Prometheus instrumentation
// using the standard prometheus.NewXxxVec + MustRegister idiom.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "cfserverd"

var labels = []string{"command"}

var (
	commandsServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_served_total",
			Help:      "Number of commands successfully served, by command token.",
		},
		labels,
	)
	accessDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_denied_total",
			Help:      "Number of requests rejected by access control, by command token.",
		},
		labels,
	)
	trustDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_decisions_total",
			Help:      "Trust decisions made during identity exchange.",
		},
		[]string{"decision"}, // known-match | known-mismatch | tofu | rejected
	)
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active connections.",
		},
	)
	connectionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_idle_reaped_total",
			Help:      "Number of connections closed by the idle sweep.",
		},
	)
	connectionsRejectedBusy = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_busy_total",
			Help:      "Number of connections rejected with BAD: busy because no worker slot freed up within the configured max wait.",
		},
	)
)

func init() {
	prometheus.MustRegister(commandsServed, accessDenied, trustDecisions, connectionsActive, connectionsReaped, connectionsRejectedBusy)
}

// CommandServed records a successfully served command.
func CommandServed(token string) { commandsServed.WithLabelValues(token).Inc() }

// AccessDenied records an access-control rejection.
func AccessDenied(token string) { accessDenied.WithLabelValues(token).Inc() }

// TrustDecision records a trust decision outcome.
func TrustDecision(decision string) { trustDecisions.WithLabelValues(decision).Inc() }

// ConnectionOpened increments the active-connection gauge.
func ConnectionOpened() { connectionsActive.Inc() }

// ConnectionClosed decrements the active-connection gauge.
func ConnectionClosed() { connectionsActive.Dec() }

// ConnectionReaped records an idle-sweep closure.
func ConnectionReaped() { connectionsReaped.Inc() }

// ConnectionRejectedBusy records a BAD: busy rejection.
func ConnectionRejectedBusy() { connectionsRejectedBusy.Inc() }
