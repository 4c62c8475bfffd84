package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cwsl/cwpileup/morse"
	"github.com/cwsl/cwpileup/waterfall"
)

const Version = "v1.0.0"

// DebugMode enables per-message logging
var DebugMode bool

// stdoutCloser keeps Close from closing the process's stdout
type stdoutCloser struct{ *os.File }

func (stdoutCloser) Close() error { return nil }

func main() {
	var (
		server     = pflag.StringP("server", "s", "ws://localhost:8080/ws", "Pileup server WebSocket URL")
		mode       = pflag.StringP("mode", "m", string(RoleOwner), "Participant role (owner, observer)")
		sinkKind   = pflag.String("sink", "wav", "Audio output for the owner role (wav, raw, rtp, none)")
		output     = pflag.StringP("output", "o", "pileup.wav", "Output file for wav and raw sinks (- for stdout with raw)")
		compress   = pflag.Bool("zstd", false, "Compress raw output with zstd")
		rtpDest    = pflag.String("rtp-dest", "239.1.2.3:5004", "RTP destination address (host:port)")
		rtpTTL     = pflag.Int("rtp-ttl", 1, "RTP packet TTL")
		rtpLoop    = pflag.Bool("rtp-loopback", false, "Loop multicast RTP back to this host")
		sampleRate = pflag.Int("sample-rate", 12000, "Audio sample rate in Hz")
		maxFreq    = pflag.Float64("max-freq", 1500, "Highest frequency shown in waterfall frames (Hz)")
		pngPath    = pflag.String("png", "", "Observer role: write the waterfall to this PNG file")
		pngEvery   = pflag.Duration("png-interval", 2*time.Second, "How often the waterfall PNG is rewritten")
		width      = pflag.Int("width", 600, "Waterfall image width in columns")
		height     = pflag.Int("height", 256, "Waterfall image height in pixels")
		add        = pflag.StringSlice("add", nil, "Callsigns to queue after connecting (comma separated)")
		debug      = pflag.BoolP("debug", "d", false, "Enable debug logging")
		version    = pflag.BoolP("version", "v", false, "Print version and exit")
	)

	pflag.Parse()

	if *version {
		fmt.Printf("pileup-audio %s\n", Version)
		os.Exit(0)
	}

	DebugMode = *debug
	morse.DebugMode = *debug

	log.Printf("pileup-audio %s - CW pileup participant", Version)

	role := Role(strings.ToLower(*mode))
	if role != RoleOwner && role != RoleObserver {
		log.Fatalf("Unknown mode %q (expected owner or observer)", *mode)
	}
	if *sampleRate < 8000 {
		log.Fatalf("Sample rate must be at least 8000 Hz")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var participant *Participant
	var sink morse.Sink

	switch role {
	case RoleOwner:
		var err error
		sink, err = openSink(*sinkKind, *output, *compress, *rtpDest, *sampleRate, RTPOptions{TTL: *rtpTTL, Loopback: *rtpLoop})
		if err != nil {
			log.Fatalf("Failed to open %s sink: %v", *sinkKind, err)
		}

		analyzer := waterfall.NewAnalyzer(*sampleRate, waterfall.DefaultFFTSize)
		producer := NewProducer(analyzer, nil, waterfall.DefaultBins, *maxFreq)
		player := morse.NewPCMPlayer(morse.NewSynth(*sampleRate), sink)
		player.Monitor = producer.Monitor

		participant = NewOwner(ctx, nil, player, producer, *add)
		client := NewClient(*server, participant)
		participant.SetSender(client)
		producer.sender = client

		log.Printf("Owner mode: %s sink at %d Hz, waterfall up to %.0f Hz", *sinkKind, *sampleRate, *maxFreq)
		runClient(ctx, client)

		participant.stopOutput()
		participant.Wait()
		log.Printf("Sent %d waterfall frames", producer.Sent())

	case RoleObserver:
		img := waterfall.NewImage(*width, *height)
		participant = NewObserver(ctx, nil, img)
		client := NewClient(*server, participant)
		participant.SetSender(client)
		participant.initial = *add

		done := make(chan struct{})
		if *pngPath != "" {
			log.Printf("Observer mode: waterfall written to %s every %v", *pngPath, *pngEvery)
			go func() {
				defer close(done)
				writePNGLoop(ctx, img, *pngPath, *pngEvery)
			}()
		} else {
			log.Printf("Observer mode")
			close(done)
		}

		runClient(ctx, client)
		<-done
	}

	if sink != nil {
		if err := sink.Close(); err != nil {
			log.Printf("Failed to close sink: %v", err)
		}
	}
	log.Printf("Stopped")
}

func runClient(ctx context.Context, client *Client) {
	if err := client.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("Client stopped: %v", err)
	}
}

// openSink returns nil for the none sink; the player then only paces
func openSink(kind, output string, compress bool, rtpDest string, sampleRate int, opts RTPOptions) (morse.Sink, error) {
	switch kind {
	case "wav":
		return CreateWAVSink(output, sampleRate)
	case "raw":
		if output == "-" {
			return NewRawSink(stdoutCloser{os.Stdout}, compress)
		}
		f, err := os.Create(output)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", output, err)
		}
		s, err := NewRawSink(f, compress)
		if err != nil {
			f.Close()
			return nil, err
		}
		return s, nil
	case "rtp":
		return NewRTPSink(rtpDest, sampleRate, opts)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown sink type %q", kind)
	}
}
