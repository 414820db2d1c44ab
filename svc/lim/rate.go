// Package lim limits how fast a single client can create pastes.
package lim

import (
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hastypaste/metrics"
	"hastypaste/svc/util"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	maxLimiters       = 10000
	cleanupInterval   = 5 * time.Minute
	limiterTTL        = 30 * time.Minute
	adaptiveDuration  = 60 * time.Second
	anomalyWindowTick = time.Minute
)

type Limiter struct {
	trustedProxies    []*net.IPNet
	detector          *AnomalyDetector
	adaptiveModeUntil atomic.Int64
	limiters          map[string]*limiterEntry
	mu                sync.Mutex
	rpm               int
	burst             int
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
	now               func() time.Time
}
type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// ParseProxies turns IPs and CIDRs into networks. A bare IP becomes a
// single-address network.
func ParseProxies(proxies []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(proxies))
	for _, proxy := range proxies {
		proxy = strings.TrimSpace(proxy)
		if proxy == "" {
			continue
		}
		if !strings.Contains(proxy, "/") {
			ip := net.ParseIP(proxy)
			if ip == nil {
				return nil, errors.Errorf("invalid IP in trusted proxies: %s", proxy)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, subnet, err := net.ParseCIDR(proxy)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
		}
		nets = append(nets, subnet)
	}
	return nets, nil
}

// New builds a limiter allowing rpm requests per minute per client and
// endpoint, with bursts up to burst.
func New(rpm, burst int, trustedProxies []string) (*Limiter, error) {
	if rpm <= 0 || burst <= 0 {
		return nil, errors.Errorf("rate limit must be positive (rpm %d, burst %d)", rpm, burst)
	}
	nets, err := ParseProxies(trustedProxies)
	if err != nil {
		return nil, err
	}
	l := &Limiter{
		trustedProxies: nets,
		limiters:       make(map[string]*limiterEntry),
		rpm:            rpm,
		burst:          burst,
		quit:           make(chan struct{}),
		evictionSem:    make(chan struct{}, 1),
		now:            time.Now,
	}
	l.detector = NewAnomalyDetector(l.TriggerAdaptiveMode)
	return l, nil
}

// Start runs the eviction loop and the anomaly detector until Stop.
func (l *Limiter) Start() {
	l.detector.Start(anomalyWindowTick)
	go l.cleanupLoop()
}
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictExpiredLimiters()
		case <-l.quit:
			return
		}
	}
}
func (l *Limiter) evictExpiredLimiters() int {
	now := l.now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.limiters {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.limiters, key)
			evicted++
		}
	}
	remaining := len(l.limiters)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
	return evicted
}
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

// TriggerAdaptiveMode halves every limit for a minute.
func (l *Limiter) TriggerAdaptiveMode() {
	l.adaptiveModeUntil.Store(l.now().Add(adaptiveDuration).UnixNano())
}
func (l *Limiter) isAdaptiveMode() bool {
	return l.now().UnixNano() < l.adaptiveModeUntil.Load()
}
func (l *Limiter) RecordRequest()               { l.detector.RecordRequest() }
func (l *Limiter) RecordError()                 { l.detector.RecordError() }
func (l *Limiter) TrustedProxies() []*net.IPNet { return l.trustedProxies }

// CheckLimit takes one token for the client of r on endpoint.
func (l *Limiter) CheckLimit(r *http.Request, endpoint string) Result {
	ip := GetRealIP(r, l.trustedProxies)
	now := l.now()
	limit, burst := l.rpm, l.burst
	if l.isAdaptiveMode() {
		limit, burst = max(limit/2, 1), max(burst/2, 1)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.limiters) >= (maxLimiters*9)/10 {
		l.scheduleEviction(len(l.limiters) / 10)
	}
	key := ip + ":" + endpoint
	entry, exists := l.limiters[key]
	if !exists {
		if len(l.limiters) >= maxLimiters {
			util.Warn().
				Int("limiters", len(l.limiters)).
				Str("ip", util.RedactIP(ip)).
				Msg("rate limiter at capacity, rejecting request")
			metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
			return Result{Limit: limit, Reset: now.Add(time.Minute)}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60.0), burst)}
		l.limiters[key] = entry
	}
	entry.lastAccess = now
	if entry.limiter.Limit() != rate.Limit(float64(limit)/60.0) {
		entry.limiter.SetLimitAt(now, rate.Limit(float64(limit)/60.0))
		entry.limiter.SetBurstAt(now, burst)
	}
	if !entry.limiter.AllowN(now, 1) {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return Result{Limit: limit, Reset: now.Add(time.Minute)}
	}
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: max(int(entry.limiter.TokensAt(now)), 0),
		Reset:     now.Add(time.Minute),
	}
}

// scheduleEviction drops the count least recently used limiters in the
// background. Must be called with l.mu held.
func (l *Limiter) scheduleEviction(count int) {
	if count <= 0 {
		return
	}
	select {
	case l.evictionSem <- struct{}{}:
		go func() {
			defer func() { <-l.evictionSem }()
			l.evictOldest(count)
		}()
	default:
	}
}
func (l *Limiter) evictOldest(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	entries := make([]kv, 0, len(l.limiters))
	for k, v := range l.limiters {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, exists := l.limiters[entries[i].key]; exists {
			delete(l.limiters, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// GetRealIP returns the client address. X-Forwarded-For is only believed
// when the direct peer is a trusted proxy, and is walked right to left
// until the first untrusted hop.
func GetRealIP(r *http.Request, trustedProxies []*net.IPNet) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		var ipStr string
		if lastComma := strings.LastIndexByte(remaining, ','); lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", ipStr).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Str("remote", remoteIP).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}
func isTrustedProxy(ip string, trustedProxies []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, subnet := range trustedProxies {
		if subnet.Contains(parsed) {
			return true
		}
	}
	return false
}
func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
