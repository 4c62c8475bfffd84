package main

import (
	"bytes"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pion/rtp"
)

func TestWAVSinkHeaderSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	s, err := CreateWAVSink(path, 12000)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WritePCM(make([]int16, 100)); err != nil {
		t.Fatal(err)
	}
	if err := s.WritePCM([]int16{1, -1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != wavHeaderSize+204 {
		t.Fatalf("file size = %d", len(data))
	}

	var h WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &h); err != nil {
		t.Fatal(err)
	}
	if string(h.ChunkID[:]) != "RIFF" || string(h.Format[:]) != "WAVE" || string(h.Subchunk2ID[:]) != "data" {
		t.Errorf("bad chunk ids: %+v", h)
	}
	if h.Subchunk2Size != 204 || h.ChunkSize != 204+36 {
		t.Errorf("sizes = %d / %d", h.Subchunk2Size, h.ChunkSize)
	}
	if h.SampleRate != 12000 || h.ByteRate != 24000 || h.NumChannels != 1 || h.BitsPerSample != 16 {
		t.Errorf("format = %+v", h)
	}
	if got := int16(binary.LittleEndian.Uint16(data[wavHeaderSize+202:])); got != -1 {
		t.Errorf("last sample = %d", got)
	}
}

type bufferCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufferCloser) Close() error {
	b.closed = true
	return nil
}

func TestRawSinkPlain(t *testing.T) {
	out := &bufferCloser{}
	s, err := NewRawSink(out, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.WritePCM([]int16{0x0102, -2}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	want := []byte{0x02, 0x01, 0xFE, 0xFF}
	if !bytes.Equal(out.Bytes(), want) || !out.closed {
		t.Errorf("output = % x closed %v", out.Bytes(), out.closed)
	}
}

func TestRawSinkZstdRoundTrip(t *testing.T) {
	out := &bufferCloser{}
	s, err := NewRawSink(out, true)
	if err != nil {
		t.Fatal(err)
	}
	samples := make([]int16, 4000)
	for i := range samples {
		samples[i] = int16(i * 7)
	}
	if err := s.WritePCM(samples); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(out.Bytes(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(plain) != len(samples)*2 {
		t.Fatalf("decoded %d bytes", len(plain))
	}
	for i, want := range samples {
		if got := int16(binary.LittleEndian.Uint16(plain[i*2:])); got != want {
			t.Fatalf("sample %d = %d, want %d", i, got, want)
		}
	}
}

func TestRTPSinkPackets(t *testing.T) {
	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()

	conn, err := net.DialUDP("udp4", nil, listener.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	s := newRTPSink(conn, 8000) // 160 samples per packet

	samples := make([]int16, 400)
	samples[0] = 0x1234
	if err := s.WritePCM(samples); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	listener.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	var packets []rtp.Packet
	for i := 0; i < 3; i++ {
		n, err := listener.Read(buf)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		var p rtp.Packet
		if err := p.Unmarshal(append([]byte(nil), buf[:n]...)); err != nil {
			t.Fatal(err)
		}
		packets = append(packets, p)
	}

	first := packets[0]
	if first.PayloadType != rtpPayloadType || first.SSRC != s.SSRC() {
		t.Errorf("header = %+v", first.Header)
	}
	if binary.BigEndian.Uint16(first.Payload) != 0x1234 {
		t.Errorf("payload not big-endian: % x", first.Payload[:2])
	}
	for i, p := range packets {
		if len(p.Payload) != 320 {
			t.Errorf("packet %d payload = %d bytes", i, len(p.Payload))
		}
		if p.SequenceNumber != first.SequenceNumber+uint16(i) {
			t.Errorf("packet %d seq = %d", i, p.SequenceNumber)
		}
		if p.Timestamp != uint32(i*160) {
			t.Errorf("packet %d timestamp = %d", i, p.Timestamp)
		}
	}
}
