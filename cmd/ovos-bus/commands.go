package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/OpenVoiceOS/ovos-bus-client/message"
)

// Message types emitted by the CLI.
const (
	speakMessage     = "speak"
	utteranceMessage = "recognizer_loop:utterance"
	listenMessage    = "mycroft.mic.listen"
	exitCommand      = ":exit"
)

func newSpeakCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "speak <utterance> [lang]",
		Short: "Make the assistant speak an utterance",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.emitWithLang(cmd.Context(), args, func(utt, lang string) *message.Message {
				return message.New(speakMessage, map[string]any{"utterance": utt, "lang": lang}, nil)
			})
		},
	}
}

func newSayToCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "say-to <utterance> [lang]",
		Short: "Send an utterance to the assistant as if it was spoken",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.emitWithLang(cmd.Context(), args, utterance)
		},
	}
}

func newListenCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "listen",
		Short: "Make the assistant start listening",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, stop, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()
			return b.Emit(cmd.Context(), message.New(listenMessage, nil, nil))
		},
	}
}

func newSimpleCLICmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "simple-cli [lang]",
		Short: "Type utterances to the assistant, " + exitCommand + " to quit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, stop, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()
			lang := b.Config().Lang
			if len(args) == 1 {
				lang = args[0]
			}
			return chat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), lang, b.Emit)
		},
	}
}

func newSendCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "send <type> [json data]",
		Short: "Send a single message",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
					return fmt.Errorf("invalid message data: %w", err)
				}
			}
			b, stop, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()
			return b.Emit(cmd.Context(), message.New(args[0], data, nil))
		},
	}
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [type...]",
		Short: "Print messages on the bus, optionally only the given types",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, stop, err := g.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer stop()

			p := &printer{w: cmd.OutOrStdout()}
			if len(args) == 0 {
				codec, err := b.Config().Codec()
				if err != nil {
					return err
				}
				b.OnRaw(func(_ context.Context, frame []byte) {
					if msg, err := codec.Decode(frame); err == nil {
						p.print(msg)
					}
				})
			}
			for _, t := range args {
				b.On(t, func(_ context.Context, msg *message.Message) { p.print(msg) })
			}
			<-cmd.Context().Done()
			return nil
		},
	}
}

func utterance(utt, lang string) *message.Message {
	return message.New(utteranceMessage, map[string]any{"utterances": []string{utt}, "lang": lang}, nil)
}

func (g *globalFlags) emitWithLang(ctx context.Context, args []string, build func(utt, lang string) *message.Message) error {
	b, stop, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer stop()
	lang := b.Config().Lang
	if len(args) == 2 {
		lang = args[1]
	}
	return b.Emit(ctx, build(args[0], lang))
}

type emitFunc func(ctx context.Context, msg *message.Message) error

// chat emits every line read from in as an utterance until in is exhausted,
// the exit command is typed or ctx is done.
func chat(ctx context.Context, in io.Reader, out io.Writer, lang string, emit emitFunc) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "Say: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		utt := strings.TrimSpace(scanner.Text())
		if utt == exitCommand {
			return nil
		}
		if utt == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := emit(ctx, utterance(utt, lang)); err != nil {
			return err
		}
	}
}

// printer writes one message per line.
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) print(msg *message.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, msg.String())
}
