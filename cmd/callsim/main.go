// Command callsim simulates concurrent voice callers against a running
// gateway, streaming synthetic audio chunks and collecting the per-run
// metrics events the gateway sends back.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casafone/voicegate/internal/conn"
	"github.com/casafone/voicegate/internal/frame"
)

func main() {
	gateway := flag.String("gateway", "ws://localhost:8000", "gateway base URL")
	token := flag.String("token", "callsim", "bearer token for the handshake")
	tenant := flag.String("tenant", "default", "tenant id to claim")
	priority := flag.String("priority", "standard", "priority class to claim")
	concurrency := flag.Int("concurrency", 10, "number of concurrent callers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	chunks := flag.Int("chunks", 5, "audio chunks per call")
	flag.Parse()

	fmt.Printf("Call simulation: %d concurrent callers for %s\n", *concurrency, *duration)
	fmt.Printf("Gateway: %s | Tenant: %s | Chunks per call: %d\n\n", *gateway, *tenant, *chunks)

	var mu sync.Mutex
	var results []runResult
	var failedCalls int
	var wg sync.WaitGroup

	deadline := time.Now().Add(*duration)

	for range *concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for time.Now().Before(deadline) {
				runs, err := runCall(*gateway, *token, *tenant, *priority, *chunks)
				mu.Lock()
				if err != nil {
					failedCalls++
					fmt.Fprintf(os.Stderr, "call failed: %v\n", err)
				}
				results = append(results, runs...)
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	printSummary(results, failedCalls)
}

// runResult is one pipeline run as reported by the gateway's metrics event.
type runResult struct {
	RunState     string  `json:"run_state"`
	TranscribeMs float64 `json:"transcribe_ms"`
	InterpretMs  float64 `json:"interpret_ms"`
	SynthesizeMs float64 `json:"synthesize_ms"`
	TotalMs      float64 `json:"total_ms"`
}

func runCall(gateway, token, tenant, priority string, chunks int) ([]runResult, error) {
	runCh := make(chan runResult, chunks)

	registry := conn.NewRegistry(gateway, conn.StaticToken(token), conn.Config{
		HeartbeatInterval: 5 * time.Second,
		MaxReconnects:     2,
		OnEnvelope: func(env *frame.Envelope) {
			if env.Type != frame.TypeControl {
				return
			}
			var r runResult
			if err := frame.DecodePayload(env, &r); err != nil || r.RunState == "" {
				return
			}
			select {
			case runCh <- r:
			default:
			}
		},
	})
	defer registry.CloseAll("call finished")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mgr, err := registry.Open(ctx, conn.ChannelVoice)
	if err != nil {
		return nil, fmt.Errorf("open voice channel: %w", err)
	}

	meta, err := mgr.Compose(frame.TypeControl, map[string]string{
		"tenant_id":      tenant,
		"priority_class": priority,
	})
	if err != nil {
		return nil, err
	}
	if err = mgr.Send(meta); err != nil {
		return nil, fmt.Errorf("send metadata: %w", err)
	}

	audio := syntheticAudio(time.Duration(chunks) * 200 * time.Millisecond)
	chunkSize := len(audio) / chunks

	for i := range chunks {
		chunk := audio[i*chunkSize : (i+1)*chunkSize]
		announce, cerr := mgr.Compose(frame.TypeAudioChunk, map[string]int{"bytes": len(chunk)})
		if cerr != nil {
			return nil, cerr
		}
		if cerr = mgr.Send(announce); cerr != nil {
			return nil, fmt.Errorf("announce chunk: %w", cerr)
		}
		if cerr = mgr.SendRaw(chunk); cerr != nil {
			return nil, fmt.Errorf("send audio: %w", cerr)
		}
		time.Sleep(20 * time.Millisecond)
	}

	// Collect one metrics event per chunk, or give up at the deadline.
	var runs []runResult
	timeout := time.After(30 * time.Second)
	for len(runs) < chunks {
		select {
		case r := <-runCh:
			runs = append(runs, r)
		case <-timeout:
			mgr.Close(websocket.CloseNormalClosure, "timeout")
			return runs, fmt.Errorf("timed out after %d of %d runs", len(runs), chunks)
		}
	}

	mgr.Close(websocket.CloseNormalClosure, "done")
	return runs, nil
}

// syntheticAudio generates 16kHz PCM: a 440Hz tone with noise.
func syntheticAudio(dur time.Duration) []byte {
	sampleRate := 16000
	numSamples := int(dur.Seconds() * float64(sampleRate))
	buf := make([]byte, numSamples*2)

	for i := range numSamples {
		t := float64(i) / float64(sampleRate)
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		val := int16(sample * math.MaxInt16)
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(val))
	}
	return buf
}

func printSummary(results []runResult, failedCalls int) {
	states := map[string]int{}
	var asrAll, intentAll, ttsAll, e2eAll []float64

	for _, r := range results {
		states[r.RunState]++
		asrAll = append(asrAll, r.TranscribeMs)
		intentAll = append(intentAll, r.InterpretMs)
		ttsAll = append(ttsAll, r.SynthesizeMs)
		e2eAll = append(e2eAll, r.TotalMs)
	}

	fmt.Printf("\n=== Call Simulation Results ===\n")
	fmt.Printf("Runs completed: %d\n", len(results))
	fmt.Printf("Calls failed:   %d\n", failedCalls)
	for _, state := range []string{"delivered", "degraded", "failed"} {
		if n := states[state]; n > 0 {
			fmt.Printf("  %-10s %d\n", state, n)
		}
	}

	if len(e2eAll) == 0 {
		fmt.Println("No completed runs to report latencies")
		return
	}

	fmt.Printf("\n%-12s %8s %8s %8s\n", "Stage", "p50", "p95", "p99")
	fmt.Printf("%-12s %7.0fms %7.0fms %7.0fms\n", "Transcribe", percentile(asrAll, 50), percentile(asrAll, 95), percentile(asrAll, 99))
	fmt.Printf("%-12s %7.0fms %7.0fms %7.0fms\n", "Interpret", percentile(intentAll, 50), percentile(intentAll, 95), percentile(intentAll, 99))
	fmt.Printf("%-12s %7.0fms %7.0fms %7.0fms\n", "Synthesize", percentile(ttsAll, 50), percentile(ttsAll, 95), percentile(ttsAll, 99))
	fmt.Printf("%-12s %7.0fms %7.0fms %7.0fms\n", "E2E", percentile(e2eAll, 50), percentile(e2eAll, 95), percentile(e2eAll, 99))
}

func percentile(data []float64, pct float64) float64 {
	sort.Float64s(data)
	idx := int(math.Ceil(pct/100*float64(len(data)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(data) {
		idx = len(data) - 1
	}
	return data[idx]
}
