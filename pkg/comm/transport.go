// Copyright 2016 DeepFabric, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package comm

import (
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fagongzi/goetty"
	"github.com/fagongzi/log"
	"github.com/pkg/errors"
)

const (
	defaultConnectTimeout = time.Second * 10
	defaultConnectRetries = 50
	frameHeaderLength     = 20
)

var (
	decoder = goetty.NewIntLengthFieldBasedDecoder(newFrameDecoder())
	encoder = newFrameEncoder()
)

// frame is one collective contribution on the wire: the communicator it
// belongs to, the collective's sequence number on that communicator, and
// the sender's rank in it.
type frame struct {
	commID uint64
	seq    uint64
	from   int32
	data   []byte
}

type frameDecoder struct {
}

type frameEncoder struct {
}

func newFrameDecoder() *frameDecoder {
	return &frameDecoder{}
}

func newFrameEncoder() *frameEncoder {
	return &frameEncoder{}
}

// Decode decodes one length-delimited frame.
func (d frameDecoder) Decode(in *goetty.ByteBuf) (bool, interface{}, error) {
	n, data, err := in.ReadMarkedBytes()
	if err != nil {
		return true, nil, err
	}

	if n < frameHeaderLength {
		return true, nil, errors.Errorf("short frame, size=<%d>", n)
	}

	f := &frame{
		commID: binary.BigEndian.Uint64(data[0:8]),
		seq:    binary.BigEndian.Uint64(data[8:16]),
		from:   int32(binary.BigEndian.Uint32(data[16:20])),
	}
	f.data = make([]byte, n-frameHeaderLength)
	copy(f.data, data[frameHeaderLength:])

	return true, f, nil
}

// Encode encodes a frame with its length field.
func (e frameEncoder) Encode(data interface{}, out *goetty.ByteBuf) error {
	f, ok := data.(*frame)
	if !ok {
		return errors.Errorf("not support message: %v", data)
	}

	var header [frameHeaderLength]byte
	binary.BigEndian.PutUint64(header[0:8], f.commID)
	binary.BigEndian.PutUint64(header[8:16], f.seq)
	binary.BigEndian.PutUint32(header[16:20], uint32(f.from))

	out.WriteInt(frameHeaderLength + len(f.data))
	out.Write(header[:])
	out.Write(f.data)

	return nil
}

type mailKey struct {
	commID uint64
	seq    uint64
	from   int32
}

// mailbox buffers received frames until the collective on the receiving
// side asks for them.
type mailbox struct {
	mu   sync.Mutex
	cond *sync.Cond
	m    map[mailKey][]byte
}

func newMailbox() *mailbox {
	mb := &mailbox{m: make(map[mailKey][]byte)}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (mb *mailbox) put(k mailKey, v []byte) {
	mb.mu.Lock()
	mb.m[k] = v
	mb.mu.Unlock()
	mb.cond.Broadcast()
}

func (mb *mailbox) take(k mailKey) []byte {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	for {
		if v, ok := mb.m[k]; ok {
			delete(mb.m, k)
			return v
		}
		mb.cond.Wait()
	}
}

// tcpTransport is the full mesh shared by a TCP communicator and all the
// sub-communicators split from it.
type tcpTransport struct {
	sync.Mutex

	addr     string
	server   *goetty.Server
	sessions map[string]goetty.IOSession
	inbox    *mailbox
}

func newTCPTransport(addr string) *tcpTransport {
	t := &tcpTransport{
		addr:     addr,
		server:   goetty.NewServer(addr, decoder, encoder, goetty.NewUUIDV4IdGenerator()),
		sessions: make(map[string]goetty.IOSession),
		inbox:    newMailbox(),
	}

	go func() {
		if err := t.server.Start(t.doConnection); err != nil {
			log.Errorf("comm-tcp: server stopped, addr=<%s> errors:\n%+v", t.addr, err)
		}
	}()

	return t
}

func (t *tcpTransport) doConnection(session goetty.IOSession) error {
	remoteIP := session.RemoteIP()

	for {
		msg, err := session.Read()
		if err != nil {
			if err == io.EOF {
				log.Debugf("comm-tcp: closed by %s", remoteIP)
			} else {
				log.Warnf("comm-tcp: read error from conn-%s, errors:\n%+v", remoteIP, err)
			}

			return err
		}

		f, ok := msg.(*frame)
		if !ok {
			return errors.Errorf("unexpected message: %v", msg)
		}

		t.inbox.put(mailKey{commID: f.commID, seq: f.seq, from: f.from}, f.data)
	}
}

func (t *tcpTransport) getConn(addr string) (goetty.IOSession, error) {
	t.Lock()
	conn, ok := t.sessions[addr]
	if !ok {
		conn = goetty.NewConnector(&goetty.Conf{
			Addr:                   addr,
			TimeoutConnectToServer: defaultConnectTimeout,
		}, decoder, encoder)
		t.sessions[addr] = conn
	}
	t.Unlock()

	if conn.IsConnected() {
		return conn, nil
	}

	// Peers come up in any order, so connecting retries until the remote
	// server is listening.
	var err error
	for i := 0; i < defaultConnectRetries; i++ {
		var connected bool
		connected, err = conn.Connect()
		if connected {
			return conn, nil
		}
		time.Sleep(time.Millisecond * 100)
	}

	return nil, errors.Wrapf(err, "connect to %s", addr)
}

func (t *tcpTransport) send(addr string, f *frame) error {
	conn, err := t.getConn(addr)
	if err != nil {
		return err
	}

	if err := conn.Write(f); err != nil {
		conn.Close()
		return errors.Wrapf(err, "write to %s", addr)
	}

	return nil
}

func (t *tcpTransport) stop() {
	t.Lock()
	for _, conn := range t.sessions {
		conn.Close()
	}
	t.sessions = make(map[string]goetty.IOSession)
	t.Unlock()

	t.server.Stop()
}

// TCPComm is a communicator over a full TCP mesh, one process per rank.
// Collectives are tagged pairwise exchanges: every rank sends its
// contribution directly to every peer and waits for theirs. Splitting
// reuses the mesh under a fresh communicator id.
type TCPComm struct {
	rank  int
	addrs []string
	id    uint64

	transport *tcpTransport
	root      bool

	seq      uint64
	splitSeq uint64
	closed   int32
}

// NewTCPComm starts the rank's server at addrs[rank] and returns the world
// communicator over the given rank-ordered peer addresses.
func NewTCPComm(rank int, addrs []string) (*TCPComm, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, errors.Errorf("rank out of range, rank=<%d> size=<%d>", rank, len(addrs))
	}

	c := &TCPComm{
		rank:      rank,
		addrs:     append([]string(nil), addrs...),
		id:        0,
		transport: newTCPTransport(addrs[rank]),
		root:      true,
	}

	log.Infof("comm-tcp: rank started, rank=<%d> addr=<%s> size=<%d>",
		rank, addrs[rank], len(addrs))
	return c, nil
}

// Rank implements Communicator.
func (c *TCPComm) Rank() int {
	return c.rank
}

// Size implements Communicator.
func (c *TCPComm) Size() int {
	return len(c.addrs)
}

// exchange sends contribution[i] to rank i and returns every rank's buffer
// for this collective, indexed by rank.
func (c *TCPComm) exchange(contribs [][]byte) ([][]byte, error) {
	if atomic.LoadInt32(&c.closed) == 1 {
		return nil, ErrClosed
	}

	seq := atomic.AddUint64(&c.seq, 1)

	for peer, addr := range c.addrs {
		if peer == c.rank {
			continue
		}

		f := &frame{commID: c.id, seq: seq, from: int32(c.rank), data: contribs[peer]}
		if err := c.transport.send(addr, f); err != nil {
			return nil, err
		}
	}

	out := make([][]byte, len(c.addrs))
	out[c.rank] = contribs[c.rank]
	for peer := range c.addrs {
		if peer == c.rank {
			continue
		}
		out[peer] = c.transport.inbox.take(mailKey{commID: c.id, seq: seq, from: int32(peer)})
	}

	return out, nil
}

// AllGather implements Communicator.
func (c *TCPComm) AllGather(send []byte) ([][]byte, error) {
	contribs := make([][]byte, len(c.addrs))
	for i := range contribs {
		contribs[i] = send
	}

	return c.exchange(contribs)
}

// AllToAll implements Communicator.
func (c *TCPComm) AllToAll(send [][]byte) ([][]byte, error) {
	if len(send) != len(c.addrs) {
		return nil, errors.Wrapf(ErrBadShape, "alltoall, expect=<%d> actual=<%d>",
			len(c.addrs), len(send))
	}

	return c.exchange(send)
}

// AllReduceF64 implements Communicator.
func (c *TCPComm) AllReduceF64(op ReduceOp, send []float64) ([]float64, error) {
	gathered, err := c.AllGather(encodeF64s(send))
	if err != nil {
		return nil, err
	}

	vecs := make([][]float64, 0, len(gathered))
	for _, data := range gathered {
		vec := decodeF64s(data)
		if len(vec) != len(send) {
			return nil, errors.Wrapf(ErrBadShape, "allreduce, expect=<%d> actual=<%d>",
				len(send), len(vec))
		}
		vecs = append(vecs, vec)
	}

	return reduceF64(op, vecs), nil
}

// Split implements Communicator.
func (c *TCPComm) Split(color int) (Communicator, error) {
	splitSeq := atomic.AddUint64(&c.splitSeq, 1)

	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(color))
	gathered, err := c.AllGather(buf[:])
	if err != nil {
		return nil, err
	}

	newRank := -1
	var members []string
	for rank, data := range gathered {
		if int(int32(binary.BigEndian.Uint32(data))) != color {
			continue
		}

		if rank == c.rank {
			newRank = len(members)
		}
		members = append(members, c.addrs[rank])
	}

	return &TCPComm{
		rank:      newRank,
		addrs:     members,
		id:        deriveCommID(c.id, splitSeq, color),
		transport: c.transport,
	}, nil
}

// Close implements Communicator. Closing the world communicator stops the
// shared transport; sub-communicators only mark themselves closed.
func (c *TCPComm) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	if c.root {
		c.transport.stop()
	}

	return nil
}

func deriveCommID(parent, splitSeq uint64, color int) uint64 {
	h := fnv.New64a()

	var buf [20]byte
	binary.BigEndian.PutUint64(buf[0:8], parent)
	binary.BigEndian.PutUint64(buf[8:16], splitSeq)
	binary.BigEndian.PutUint32(buf[16:20], uint32(color))
	h.Write(buf[:])

	return h.Sum64()
}

func encodeF64s(values []float64) []byte {
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint64(data[8*i:], math.Float64bits(v))
	}

	return data
}

func decodeF64s(data []byte) []float64 {
	values := make([]float64, len(data)/8)
	for i := range values {
		values[i] = math.Float64frombits(binary.BigEndian.Uint64(data[8*i:]))
	}

	return values
}
