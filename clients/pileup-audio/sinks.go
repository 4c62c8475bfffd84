package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/pion/rtp"
	"golang.org/x/net/ipv4"
)

// WAVHeader represents a simplified WAV file header
type WAVHeader struct {
	// RIFF chunk
	ChunkID   [4]byte // "RIFF"
	ChunkSize uint32  // File size - 8
	Format    [4]byte // "WAVE"

	// fmt sub-chunk
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample/8
	BlockAlign    uint16 // NumChannels * BitsPerSample/8
	BitsPerSample uint16

	// data sub-chunk
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // NumSamples * NumChannels * BitsPerSample/8
}

const wavHeaderSize = 44

func newWAVHeader(sampleRate int, dataSize uint32) WAVHeader {
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     dataSize + wavHeaderSize - 8,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// WAVSink writes mono 16-bit PCM to a WAV stream. Sizes in the header
// are filled in on Close.
type WAVSink struct {
	w          io.WriteSeeker
	closer     io.Closer
	sampleRate int
	dataSize   uint32
}

// NewWAVSink writes a placeholder header to w
func NewWAVSink(w io.WriteSeeker, sampleRate int) (*WAVSink, error) {
	s := &WAVSink{w: w, sampleRate: sampleRate}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	header := newWAVHeader(sampleRate, 0xFFFFFFFF-wavHeaderSize)
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	return s, nil
}

// CreateWAVSink creates filename and writes a WAV stream to it
func CreateWAVSink(filename string, sampleRate int) (*WAVSink, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}
	s, err := NewWAVSink(f, sampleRate)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// WritePCM appends samples
func (s *WAVSink) WritePCM(samples []int16) error {
	if err := binary.Write(s.w, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("failed to write samples: %w", err)
	}
	s.dataSize += uint32(len(samples) * 2)
	return nil
}

// Close rewrites the header with the final sizes
func (s *WAVSink) Close() error {
	if _, err := s.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to beginning: %w", err)
	}
	header := newWAVHeader(s.sampleRate, s.dataSize)
	if err := binary.Write(s.w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to update WAV header: %w", err)
	}
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// RawSink writes headerless little-endian PCM, optionally zstd compressed
type RawSink struct {
	out    io.WriteCloser
	enc    *zstd.Encoder
	buf    []byte
	closed bool
}

// NewRawSink wraps out. With compress set the stream is zstd framed.
func NewRawSink(out io.WriteCloser, compress bool) (*RawSink, error) {
	s := &RawSink{out: out}
	if compress {
		enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		s.enc = enc
	}
	return s, nil
}

// WritePCM appends samples
func (s *RawSink) WritePCM(samples []int16) error {
	s.buf = s.buf[:0]
	for _, v := range samples {
		s.buf = binary.LittleEndian.AppendUint16(s.buf, uint16(v))
	}
	var err error
	if s.enc != nil {
		_, err = s.enc.Write(s.buf)
	} else {
		_, err = s.out.Write(s.buf)
	}
	return err
}

// Close flushes the encoder and closes the output
func (s *RawSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.enc != nil {
		if err := s.enc.Close(); err != nil {
			s.out.Close()
			return fmt.Errorf("failed to flush zstd stream: %w", err)
		}
	}
	return s.out.Close()
}

// rtpPayloadType is the dynamic payload type announced for L16 mono
const rtpPayloadType = 96

// RTPSink sends PCM as RTP L16 (big-endian) packets of PacketDuration
type RTPSink struct {
	conn             net.Conn
	samplesPerPacket int

	mu      sync.Mutex
	pending []int16
	seq     uint16
	ts      uint32
	ssrc    uint32
}

// RTPOptions configure the UDP socket of an RTPSink
type RTPOptions struct {
	TTL      int
	Loopback bool
}

// NewRTPSink dials dest over UDP. Multicast destinations get the
// configured TTL and loopback; unicast gets the TTL only.
func NewRTPSink(dest string, sampleRate int, opts RTPOptions) (*RTPSink, error) {
	addr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return nil, fmt.Errorf("invalid RTP destination %s: %w", dest, err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to open RTP socket: %w", err)
	}

	if opts.TTL > 0 || opts.Loopback {
		p := ipv4.NewPacketConn(conn)
		if addr.IP.IsMulticast() {
			if opts.TTL > 0 {
				if err := p.SetMulticastTTL(opts.TTL); err != nil {
					conn.Close()
					return nil, fmt.Errorf("failed to set multicast TTL: %w", err)
				}
			}
			if err := p.SetMulticastLoopback(opts.Loopback); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to set multicast loopback: %w", err)
			}
		} else if opts.TTL > 0 {
			if err := p.SetTTL(opts.TTL); err != nil {
				conn.Close()
				return nil, fmt.Errorf("failed to set TTL: %w", err)
			}
		}
	}

	return newRTPSink(conn, sampleRate), nil
}

func newRTPSink(conn net.Conn, sampleRate int) *RTPSink {
	// SSRC and starting sequence come from a random UUID
	id := uuid.New()
	return &RTPSink{
		conn:             conn,
		samplesPerPacket: sampleRate / 50, // 20 ms
		seq:              binary.BigEndian.Uint16(id[4:6]),
		ssrc:             binary.BigEndian.Uint32(id[0:4]),
	}
}

// SSRC returns the stream's synchronization source
func (s *RTPSink) SSRC() uint32 {
	return s.ssrc
}

// WritePCM sends every complete packet's worth of samples and keeps the
// remainder for the next call
func (s *RTPSink) WritePCM(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = append(s.pending, samples...)
	for len(s.pending) >= s.samplesPerPacket {
		if err := s.send(s.pending[:s.samplesPerPacket]); err != nil {
			return err
		}
		s.pending = s.pending[s.samplesPerPacket:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return nil
}

func (s *RTPSink) send(samples []int16) error {
	payload := make([]byte, 0, len(samples)*2)
	for _, v := range samples {
		payload = binary.BigEndian.AppendUint16(payload, uint16(v))
	}

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    rtpPayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	data, err := packet.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal RTP packet: %w", err)
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("failed to send RTP packet: %w", err)
	}

	s.seq++
	s.ts += uint32(len(samples))
	return nil
}

// Close sends any partial packet, padded with silence, and closes the socket
func (s *RTPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if len(s.pending) > 0 {
		padded := make([]int16, s.samplesPerPacket)
		copy(padded, s.pending)
		err = s.send(padded)
		s.pending = nil
	}
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
