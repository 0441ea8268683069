package ircsession

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PipelineConfig holds buffering and flow-control limits.
type PipelineConfig struct {
	// MaxLineLength bounds one wire line including tags. Longer lines are
	// dropped up to the next line break.
	// Default: 64KB
	MaxLineLength int `yaml:"max_line_length"`

	// ReadChunkSize is the size of each transport read.
	// Default: 4096
	ReadChunkSize int `yaml:"read_chunk_size"`

	// HighWatermark pauses transport reads once more decoded messages than
	// this are waiting for the consumer.
	// Default: 256
	HighWatermark int `yaml:"high_watermark"`

	// LowWatermark resumes reads once the backlog drops below it.
	// Default: 64
	LowWatermark int `yaml:"low_watermark"`

	// WriteTimeout bounds each transport write. Zero disables it.
	// Default: 30 seconds
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultPipelineConfig returns the default pipeline configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MaxLineLength: 64 * 1024,
		ReadChunkSize: 4096,
		HighWatermark: 256,
		LowWatermark:  64,
		WriteTimeout:  30 * time.Second,
	}
}

// Validate checks the watermarks and sizes.
func (c PipelineConfig) Validate() error {
	if c.MaxLineLength <= 0 || c.ReadChunkSize <= 0 {
		return fmt.Errorf("pipeline: line length and read chunk size must be positive")
	}
	if c.LowWatermark < 1 || c.LowWatermark >= c.HighWatermark {
		return fmt.Errorf("pipeline: need 1 <= low watermark (%d) < high watermark (%d)",
			c.LowWatermark, c.HighWatermark)
	}
	return nil
}

// Pipeline turns a transport byte stream into decoded messages and writes
// encoded messages back through a single writer.
//
// Inbound messages wait in a bounded backlog. Once the backlog grows past
// the high watermark, transport reads pause until the consumer drains it
// below the low watermark, so nothing is dropped across a pause.
type Pipeline struct {
	conn   net.Conn
	config PipelineConfig

	// lineBuf holds the partial line between reads. Only the reader touches it.
	lineBuf    *circbuf.Buffer
	discarding bool

	inMu       sync.Mutex
	resumeCond *sync.Cond
	inbound    []*Message
	paused     bool
	stopping   bool
	inClosed   bool
	ready      chan struct{}

	out        *outboundQueue
	writerDone chan struct{}

	dropped atomic.Uint64
	closing atomic.Bool
	started atomic.Bool

	failMu    sync.Mutex
	failErr   error
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// NewPipeline wraps conn. Call Start to begin reading and writing.
func NewPipeline(conn net.Conn, config PipelineConfig) (*Pipeline, error) {
	if conn == nil {
		return nil, fmt.Errorf("pipeline: conn is nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	lineBuf, err := circbuf.NewBuffer(int64(config.MaxLineLength))
	if err != nil {
		return nil, fmt.Errorf("pipeline: create line buffer: %w", err)
	}
	p := &Pipeline{
		conn:       conn,
		config:     config,
		lineBuf:    lineBuf,
		ready:      make(chan struct{}, 1),
		out:        newOutboundQueue(),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.resumeCond = sync.NewCond(&p.inMu)
	return p, nil
}

// Start launches the reader and writer. The pipeline stops when ctx is
// cancelled, Close is called, or the transport fails.
func (p *Pipeline) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(p.readLoop)
	g.Go(p.writeLoop)
	g.Go(func() error {
		<-gctx.Done()
		p.shutdown()
		return nil
	})
	go func() {
		p.finish(g.Wait())
	}()
}

// Send encodes m and queues it for the writer.
func (p *Pipeline) Send(m *Message, prio Priority) error {
	line, err := Encode(m)
	if err != nil {
		return err
	}
	if err := p.out.push([]byte(line), prio); err != nil {
		return err
	}
	log.Trace().
		Str("command", m.Command.Name()).
		Str("priority", prio.String()).
		Int("len", len(line)).
		Msg("queued outbound line")
	return nil
}

// Next blocks until a decoded message is available. Once the pipeline has
// stopped and the backlog is empty it returns the terminating error, which
// is a *TransportError for transport failures and ErrPipelineClosed otherwise.
func (p *Pipeline) Next(ctx context.Context) (*Message, error) {
	for {
		m, closed := p.next()
		if m != nil {
			return m, nil
		}
		if closed {
			return nil, p.closedErr()
		}
		select {
		case <-p.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryNext returns the next decoded message without blocking.
func (p *Pipeline) TryNext() (*Message, bool) {
	m, _ := p.next()
	return m, m != nil
}

// Ready is signalled whenever messages arrive or the pipeline stops. It is
// meant for a single consumer that then drains with TryNext.
func (p *Pipeline) Ready() <-chan struct{} { return p.ready }

// Done is closed once both loops have exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns the terminating error after Done is closed.
func (p *Pipeline) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Paused reports whether transport reads are currently held back.
func (p *Pipeline) Paused() bool {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	return p.paused
}

// Backlog returns the number of decoded messages waiting for the consumer.
func (p *Pipeline) Backlog() int {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	return len(p.inbound)
}

// Pending returns the number of lines waiting for the writer.
func (p *Pipeline) Pending() int { return p.out.len() }

// Dropped returns how many inbound lines failed to decode.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

// Close flushes queued outbound lines, bounded by the write timeout, then
// stops both loops and closes the transport.
func (p *Pipeline) Close() error {
	if !p.started.Load() {
		p.closing.Store(true)
		return p.conn.Close()
	}
	p.out.drainAndClose()
	flush := p.config.WriteTimeout
	if flush <= 0 {
		flush = 5 * time.Second
	}
	select {
	case <-p.writerDone:
	case <-p.done:
	case <-time.After(flush):
		log.Warn().Dur("timeout", flush).Msg("outbound flush timed out")
	}
	p.cancel()
	<-p.done
	return nil
}

// Abort stops the pipeline without flushing.
func (p *Pipeline) Abort() {
	if !p.started.Load() {
		p.closing.Store(true)
		_ = p.conn.Close()
		return
	}
	p.cancel()
	<-p.done
}

// Fail stops the pipeline without flushing and reports err as the
// terminating error, as if the transport had failed.
func (p *Pipeline) Fail(err error) {
	p.failMu.Lock()
	if p.failErr == nil {
		p.failErr = err
	}
	p.failMu.Unlock()
	p.Abort()
}

func (p *Pipeline) readLoop() error {
	buf := make([]byte, p.config.ReadChunkSize)
	for {
		if !p.waitWhilePaused() {
			return nil
		}
		n, err := p.conn.Read(buf)
		if n > 0 {
			p.ingest(buf[:n])
		}
		if err != nil {
			if p.closing.Load() {
				return nil
			}
			return &TransportError{Op: "read", Err: err}
		}
	}
}

func (p *Pipeline) writeLoop() error {
	defer close(p.writerDone)
	for {
		line, ok := p.out.pop()
		if !ok {
			return nil
		}
		if p.config.WriteTimeout > 0 {
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
		}
		if _, err := p.conn.Write(line); err != nil {
			if p.closing.Load() {
				return nil
			}
			return &TransportError{Op: "write", Err: err}
		}
	}
}

// waitWhilePaused blocks the reader while the backlog is above the low
// watermark. It returns false when the reader should stop.
func (p *Pipeline) waitWhilePaused() bool {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	for p.paused && !p.stopping {
		p.resumeCond.Wait()
	}
	return !p.stopping
}

// ingest splits a chunk on LF and decodes each complete line. The partial
// tail stays in lineBuf for the next chunk.
func (p *Pipeline) ingest(chunk []byte) {
	for len(chunk) > 0 {
		if p.discarding {
			i := bytes.IndexByte(chunk, '\n')
			if i < 0 {
				return
			}
			chunk = chunk[i+1:]
			p.discarding = false
			continue
		}

		i := bytes.IndexByte(chunk, '\n')
		part := chunk
		if i >= 0 {
			part = chunk[:i]
		}
		if p.lineBuf.TotalWritten()+int64(len(part)) > p.lineBuf.Size() {
			p.overflow()
			if i < 0 {
				p.discarding = true
				return
			}
			chunk = chunk[i+1:]
			continue
		}
		_, _ = p.lineBuf.Write(part)
		if i < 0 {
			return
		}
		line := string(p.lineBuf.Bytes())
		p.lineBuf.Reset()
		chunk = chunk[i+1:]
		p.handleLine(line)
	}
}

func (p *Pipeline) overflow() {
	p.lineBuf.Reset()
	p.dropped.Add(1)
	err := parseErr(ParseLineTooLong, "", "line exceeds %d bytes", p.config.MaxLineLength)
	log.Warn().Err(err).Msg("dropping over-long line")
}

func (p *Pipeline) handleLine(line string) {
	line = trimCR(line)
	if line == "" {
		return
	}
	m, err := Decode(line)
	if err != nil {
		p.dropped.Add(1)
		log.Debug().Err(err).Str("line", line).Msg("dropping undecodable line")
		return
	}
	p.push(m)
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func (p *Pipeline) push(m *Message) {
	p.inMu.Lock()
	p.inbound = append(p.inbound, m)
	if !p.paused && len(p.inbound) > p.config.HighWatermark {
		p.paused = true
		log.Debug().
			Int("backlog", len(p.inbound)).
			Int("high", p.config.HighWatermark).
			Msg("inbound backlog above high watermark, pausing reads")
	}
	p.inMu.Unlock()
	p.notify()
}

func (p *Pipeline) next() (*Message, bool) {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	if len(p.inbound) == 0 {
		return nil, p.inClosed
	}
	m := p.inbound[0]
	p.inbound[0] = nil
	p.inbound = p.inbound[1:]
	if p.paused && len(p.inbound) < p.config.LowWatermark {
		p.paused = false
		p.resumeCond.Broadcast()
		log.Debug().
			Int("backlog", len(p.inbound)).
			Int("low", p.config.LowWatermark).
			Msg("inbound backlog below low watermark, resuming reads")
	}
	return m, false
}

func (p *Pipeline) notify() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

func (p *Pipeline) closedErr() error {
	if p.err != nil {
		return p.err
	}
	return ErrPipelineClosed
}

// shutdown unblocks both loops and closes the transport.
func (p *Pipeline) shutdown() {
	p.closing.Store(true)
	p.inMu.Lock()
	p.stopping = true
	p.resumeCond.Broadcast()
	p.inMu.Unlock()
	p.out.close()
	if err := p.conn.Close(); err != nil {
		log.Debug().Err(err).Msg("closing transport")
	}
}

func (p *Pipeline) finish(err error) {
	p.closeOnce.Do(func() {
		p.failMu.Lock()
		if p.failErr != nil {
			err = p.failErr
		}
		p.failMu.Unlock()
		p.inMu.Lock()
		p.err = err
		p.inClosed = true
		p.inMu.Unlock()
		if err != nil {
			log.Warn().Err(err).Msg("pipeline terminated")
		} else {
			log.Debug().Msg("pipeline closed")
		}
		close(p.done)
		p.notify()
	})
}
