// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 传输 - 同样的数据报以二进制消息承载，用于 UDP 不通的网络
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mrcgq/lockstep/internal/protocol"
)

// PeerHeader 拨号方在握手时声明自己的监听地址，接收方据此归属数据报
const PeerHeader = "X-Lockstep-Peer"

const (
	wsWriteTimeout  = 5 * time.Second
	wsIdleTimeout   = 2 * time.Minute
	wsCleanupPeriod = 30 * time.Second
)

// WebSocketConfig WebSocket 传输配置
type WebSocketConfig struct {
	ListenAddr       string
	Path             string
	AdvertiseAddr    string
	HandshakeTimeout time.Duration
}

// wsSession 到一个对端的 WebSocket 连接
type wsSession struct {
	conn       *websocket.Conn
	peer       string
	mu         sync.Mutex
	lastActive int64
}

func (s *wsSession) touch() {
	atomic.StoreInt64(&s.lastActive, time.Now().UnixNano())
}

func (s *wsSession) write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// WebSocketTransport 每个节点既监听也按需拨号
type WebSocketTransport struct {
	cfg WebSocketConfig
	log zerolog.Logger

	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
	dialer     *websocket.Dialer

	// 对端地址 -> *wsSession
	sessions  sync.Map
	dialGroup singleflight.Group

	inbox *inbox
	stats *counters

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	running int32
}

// NewWebSocketTransport 监听并启动 HTTP 服务
func NewWebSocketTransport(ctx context.Context, cfg WebSocketConfig, log zerolog.Logger) (*WebSocketTransport, error) {
	if cfg.Path == "" {
		cfg.Path = "/lockstep"
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 3 * time.Second
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("监听 %s: %w", cfg.ListenAddr, err)
	}
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = ln.Addr().String()
	}

	stats := &counters{}
	t := &WebSocketTransport{
		cfg:      cfg,
		log:      log,
		listener: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   4 * 1024,
			WriteBufferSize:  4 * 1024,
		},
		stats: stats,
		inbox: newInbox(stats),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, t.handleWebSocket)
	t.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.HandshakeTimeout,
	}

	t.ctx, t.cancel = context.WithCancel(ctx)
	t.group, t.ctx = errgroup.WithContext(t.ctx)
	atomic.StoreInt32(&t.running, 1)

	t.group.Go(func() error {
		if err := t.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务: %w", err)
		}
		return nil
	})
	t.group.Go(t.cleanupLoop)

	t.log.Info().Str("addr", ln.Addr().String()).Str("path", cfg.Path).Msg("WebSocket 传输已启动")
	return t, nil
}

// handleWebSocket 接受对端拨入
func (t *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	peer := r.Header.Get(PeerHeader)
	if peer == "" {
		peer = r.RemoteAddr
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug().Err(err).Str("peer", peer).Msg("WebSocket 升级失败")
		return
	}

	sess := &wsSession{conn: conn, peer: peer}
	sess.touch()
	if _, loaded := t.sessions.LoadOrStore(peer, sess); loaded {
		t.log.Debug().Str("peer", peer).Msg("已有到该对端的连接，新连接只用于接收")
	}
	t.log.Debug().Str("peer", peer).Msg("WebSocket 对端接入")

	// 在 HTTP 处理协程中读取，返回即关闭
	t.readLoop(sess)
}

// dial 拨号并登记，同一地址的并发拨号合并为一次
func (t *WebSocketTransport) dial(peer string) (*wsSession, error) {
	v, err, _ := t.dialGroup.Do(peer, func() (interface{}, error) {
		if s, ok := t.sessions.Load(peer); ok {
			return s, nil
		}

		header := http.Header{}
		header.Set(PeerHeader, t.cfg.AdvertiseAddr)
		url := "ws://" + peer + t.cfg.Path

		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
		defer cancel()
		conn, _, err := t.dialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, fmt.Errorf("拨号 %s: %w", url, err)
		}

		sess := &wsSession{conn: conn, peer: peer}
		sess.touch()
		if existing, loaded := t.sessions.LoadOrStore(peer, sess); loaded {
			// 对端同时拨入，沿用已登记的连接
			_ = conn.Close()
			return existing, nil
		}

		t.group.Go(func() error {
			t.readLoop(sess)
			return nil
		})
		t.log.Debug().Str("peer", peer).Msg("WebSocket 已拨通")
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*wsSession), nil
}

// readLoop 读取二进制消息并投递到接收队列
func (t *WebSocketTransport) readLoop(sess *wsSession) {
	defer func() {
		t.sessions.CompareAndDelete(sess.peer, sess)
		_ = sess.conn.Close()
	}()

	for atomic.LoadInt32(&t.running) == 1 {
		_ = sess.conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if err != io.EOF && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.log.Debug().Err(err).Str("peer", sess.peer).Msg("WebSocket 读取结束")
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		sess.touch()
		t.inbox.deliver(data, sess.peer, time.Now())
	}
}

// cleanupLoop 关闭长时间无数据的连接
func (t *WebSocketTransport) cleanupLoop() error {
	ticker := time.NewTicker(wsCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return nil
		case <-ticker.C:
			now := time.Now().UnixNano()
			t.sessions.Range(func(key, value interface{}) bool {
				sess := value.(*wsSession)
				if time.Duration(now-atomic.LoadInt64(&sess.lastActive)) > wsIdleTimeout {
					t.sessions.CompareAndDelete(key, sess)
					_ = sess.conn.Close()
				}
				return true
			})
		}
	}
}

// SendRaw 发送一个已封装的数据报，首次发送时拨号
func (t *WebSocketTransport) SendRaw(data []byte, addr string) error {
	if atomic.LoadInt32(&t.running) == 0 {
		return ErrClosed
	}
	if len(data) > protocol.MaxDatagramSize {
		return fmt.Errorf("%w: %d", ErrDatagramTooBig, len(data))
	}

	var sess *wsSession
	if v, ok := t.sessions.Load(addr); ok {
		sess = v.(*wsSession)
	} else {
		s, err := t.dial(addr)
		if err != nil {
			t.stats.sendError()
			return err
		}
		sess = s
	}

	if err := sess.write(data); err != nil {
		t.stats.sendError()
		t.sessions.CompareAndDelete(addr, sess)
		_ = sess.conn.Close()
		return fmt.Errorf("WebSocket 写入 %s: %w", addr, err)
	}
	sess.touch()
	t.stats.sent(len(data), time.Now())
	return nil
}

// Receive 取走接收队列
func (t *WebSocketTransport) Receive() []Datagram {
	return t.inbox.drain()
}

// LocalAddr 对外声明的地址
func (t *WebSocketTransport) LocalAddr() string {
	return t.cfg.AdvertiseAddr
}

// Stats 统计快照
func (t *WebSocketTransport) Stats() Stats {
	return t.stats.snapshot(time.Now())
}

// ActiveSessions 当前连接数
func (t *WebSocketTransport) ActiveSessions() int {
	n := 0
	t.sessions.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Close 关闭所有连接与 HTTP 服务
func (t *WebSocketTransport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.running, 1, 0) {
		return nil
	}
	t.cancel()

	t.sessions.Range(func(key, value interface{}) bool {
		sess := value.(*wsSession)
		sess.mu.Lock()
		_ = sess.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		sess.mu.Unlock()
		_ = sess.conn.Close()
		return true
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := t.httpServer.Shutdown(ctx)

	if werr := t.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	t.log.Info().Str("addr", t.cfg.AdvertiseAddr).Msg("WebSocket 传输已停止")
	return err
}
