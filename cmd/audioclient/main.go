// Package main provides a capture client that streams a WAV file to the
// pronunciation evaluation service and prints incremental results.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	grpcapi "realtime-pronunciation-service/internal/api/grpc"
)

const (
	defaultServer   = "localhost:50051"
	defaultChunkMs  = 100
	expectedRate    = 16000
	defaultDeadline = 2 * time.Minute
)

var (
	serverAddr string

	streamSentence  string
	streamAudio     string
	streamChunkMs   int
	streamRealtime  bool
	streamKeepOpen  bool
	streamThreshold float64

	toneOut     string
	toneSeconds float64
	toneFreq    float64
)

func main() {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "audioclient",
		Short:        "Stream audio to the pronunciation evaluation service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", defaultServer, "gRPC server address")

	rootCmd.AddCommand(newStreamCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCloseCmd())
	rootCmd.AddCommand(newToneCmd())
	return rootCmd
}

func newStreamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Create a session and stream a WAV file in real time",
		RunE:  runStreamCmd,
	}
	cmd.Flags().StringVar(&streamSentence, "sentence", "", "reference sentence")
	cmd.Flags().StringVar(&streamAudio, "audio", "", "path to a 16 kHz 16-bit PCM WAV file")
	cmd.Flags().IntVar(&streamChunkMs, "chunk-ms", defaultChunkMs, "chunk duration in milliseconds")
	cmd.Flags().BoolVar(&streamRealtime, "realtime", true, "pace chunks at playback speed")
	cmd.Flags().BoolVar(&streamKeepOpen, "keep-open", false, "leave the session open after streaming")
	cmd.Flags().Float64Var(&streamThreshold, "confidence-threshold", -1, "per-session confidence threshold (0-1)")
	_ = cmd.MarkFlagRequired("sentence")
	_ = cmd.MarkFlagRequired("audio")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show session progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *grpcapi.Client) error {
				st, err := c.GetSessionStatus(ctx, args[0])
				if err != nil {
					return describe(err)
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <session-id>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *grpcapi.Client) error {
				resp, err := c.CloseSession(ctx, args[0])
				if err != nil {
					return describe(err)
				}
				return printJSON(cmd.OutOrStdout(), resp)
			})
		},
	}
}

func newToneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Write a test tone WAV file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Create(toneOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", toneOut, err)
			}
			defer f.Close()
			if err := writeTone(f, toneSeconds, toneFreq); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %.1fs tone to %s\n", toneSeconds, toneOut)
			return nil
		},
	}
	cmd.Flags().StringVar(&toneOut, "out", "tone.wav", "output path")
	cmd.Flags().Float64Var(&toneSeconds, "seconds", 2, "duration in seconds")
	cmd.Flags().Float64Var(&toneFreq, "freq", 440, "frequency in Hz")
	return cmd
}

func runStreamCmd(cmd *cobra.Command, _ []string) error {
	f, err := os.Open(streamAudio)
	if err != nil {
		return fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	clip, err := readWAV(f)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "WAV file: channels=%d sampleRate=%d duration=%.2fs\n",
		clip.Channels, clip.SampleRate, clip.Duration().Seconds())
	if clip.SampleRate != expectedRate {
		fmt.Fprintf(out, "Warning: sample rate is %d Hz, expected %d Hz\n", clip.SampleRate, expectedRate)
	}

	var options map[string]any
	if streamThreshold >= 0 {
		options = map[string]any{"confidence_threshold": streamThreshold}
	}

	return withClient(func(ctx context.Context, c *grpcapi.Client) error {
		created, err := c.CreateSession(ctx, streamSentence, options)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "Session %s created (%d blocks)\n", created.SessionID, created.Blocks)

		stream, err := c.StreamAudio(ctx, created.SessionID)
		if err != nil {
			return err
		}

		chunks := clip.Chunks(time.Duration(streamChunkMs) * time.Millisecond)
		start := time.Now()
		for i, chunk := range chunks {
			if err := stream.Send(wrapperspb.Bytes(chunk)); err != nil {
				return fmt.Errorf("send chunk %d: %w", i+1, err)
			}
			msg, err := stream.Recv()
			if err != nil {
				return describe(err)
			}
			res, err := grpcapi.DecodeResult(msg)
			if err != nil {
				return err
			}
			overall := 0.0
			if res.Result != nil {
				overall = res.Result.Overall
			}
			fmt.Fprintf(out, "chunk %3d  status=%-14s overall=%5.1f\n", i+1, res.Status, overall)
			if res.Status == "completed" {
				fmt.Fprintln(out, "All blocks confirmed")
				if err := printJSON(out, res.Result); err != nil {
					return err
				}
				break
			}
			if streamRealtime {
				time.Sleep(time.Duration(streamChunkMs) * time.Millisecond)
			}
		}
		if err := stream.CloseSend(); err != nil {
			return err
		}
		for {
			if _, err := stream.Recv(); err != nil {
				if err != io.EOF {
					return describe(err)
				}
				break
			}
		}
		fmt.Fprintf(out, "Streamed %d chunks in %v\n", len(chunks), time.Since(start).Round(time.Millisecond))

		if streamKeepOpen {
			return nil
		}
		closed, err := c.CloseSession(ctx, created.SessionID)
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(out, "Session %s %s\n", closed.SessionID, closed.Status)
		return nil
	})
}

func withClient(fn func(ctx context.Context, c *grpcapi.Client) error) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultDeadline)
	defer cancel()
	return fn(ctx, grpcapi.NewClient(conn))
}

// describe prefers the structured error body attached by the server.
func describe(err error) error {
	if body, ok := grpcapi.ErrorBodyFrom(err); ok {
		return fmt.Errorf("%s: %s", body.Error, body.Message)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
