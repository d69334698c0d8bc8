package media

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"
)

// Processor keeps per-producer RTP/RTCP accounting and builds key frame
// requests toward the sender.
type Processor struct {
	logger *zap.Logger

	stats   *Stats
	statsMu sync.RWMutex
	ssrc    uint32
}

type Stats struct {
	PacketsReceived  uint64    `json:"packetsReceived"`
	BytesReceived    uint64    `json:"bytesReceived"`
	PacketsForwarded uint64    `json:"packetsForwarded"`
	PacketsDropped   uint64    `json:"packetsDropped"`
	PacketsLost      uint64    `json:"packetsLost"`
	Jitter           float64   `json:"jitter"`
	KeyFrameRequests uint64    `json:"keyFrameRequests"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

func NewProcessor(logger *zap.Logger) *Processor {
	return &Processor{
		logger: logger,
		stats: &Stats{
			LastUpdated: time.Now(),
		},
	}
}

// ProcessRTP records an inbound packet and remembers its SSRC for later key
// frame requests.
func (p *Processor) ProcessRTP(packet *rtp.Packet) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.PacketsReceived++
	p.stats.BytesReceived += uint64(len(packet.Payload))
	p.stats.LastUpdated = time.Now()
	p.ssrc = packet.SSRC
}

// RecordForward counts the outcome of fanning one packet to n consumers.
func (p *Processor) RecordForward(forwarded, dropped int) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.PacketsForwarded += uint64(forwarded)
	p.stats.PacketsDropped += uint64(dropped)
}

func (p *Processor) ProcessRTCP(packets []rtcp.Packet) {
	for _, packet := range packets {
		switch pkt := packet.(type) {
		case *rtcp.ReceiverReport:
			p.handleReceiverReport(pkt)
		case *rtcp.PictureLossIndication:
			p.logger.Debug("Received PLI", zap.Uint32("ssrc", pkt.MediaSSRC))
		case *rtcp.FullIntraRequest:
			p.logger.Debug("Received FIR", zap.Uint32("ssrc", pkt.MediaSSRC))
		}
	}
}

func (p *Processor) handleReceiverReport(rr *rtcp.ReceiverReport) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	for _, report := range rr.Reports {
		p.stats.PacketsLost += uint64(report.TotalLost)
		p.stats.Jitter = float64(report.Jitter)
	}
}

// KeyFrameRequest builds a PLI for the last SSRC seen on this producer.
func (p *Processor) KeyFrameRequest() []rtcp.Packet {
	p.statsMu.Lock()
	p.stats.KeyFrameRequests++
	ssrc := p.ssrc
	p.statsMu.Unlock()

	p.logger.Debug("Requesting key frame", zap.Uint32("ssrc", ssrc))
	return []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}
}

func (p *Processor) Stats() Stats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return *p.stats
}
