package cmd

import (
	"context"
	"fmt"
	"time"

	"musicmashup/core/audio"
	"musicmashup/core/mixer"
	"musicmashup/logger"
	"musicmashup/server"
	"musicmashup/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/spf13/cobra"
)

var (
	previewVocals       []string
	previewInstrumental []string
	previewRate         int
	previewOut          string
)

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "在终端里预览本地文件的混音",
	Long: `把本地音频文件当作人声/伴奏分轨加载，通过声卡同步播放，
并在终端界面里调整音量、静音、独奏和偏移，按 r 渲染到 --out 目录。`,
	Example: `  musicmashup preview --vocals a_vocals.wav --instrumental b_instrumental.mp3
  musicmashup preview -v a.wav -v b.wav -i c.mp3 --out renders`,
	Annotations: map[string]string{quietLogs: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var stems []tui.LocalStem
		for _, p := range previewVocals {
			stems = append(stems, tui.LocalStem{Path: p, Kind: mixer.StemVocals})
		}
		for _, p := range previewInstrumental {
			stems = append(stems, tui.LocalStem{Path: p, Kind: mixer.StemInstrumental})
		}
		lib, err := tui.NewLocalLibrary(stems, audio.NewBeepRenderer(cfg.RenderSkipMuted), previewOut)
		if err != nil {
			return err
		}
		return runPreview(cmd.Context(), lib, beep.SampleRate(previewRate))
	},
}

func runPreview(ctx context.Context, lib *tui.LocalLibrary, rate beep.SampleRate) error {
	if err := speaker.Init(rate, rate.N(time.Second/10)); err != nil {
		return fmt.Errorf("failed to open audio device: %w", err)
	}
	defer speaker.Close()

	// 每个 BeepSource 在 Close 前一直输出（静音也算），由 mixer 统一送到声卡
	mix := &beep.Mixer{}
	speaker.Play(mix)
	factory := func(ch mixer.MixChannel, gen mixer.Generation) mixer.AudioSource {
		src := mixer.NewBeepSource(mixer.FileOpener, rate)
		speaker.Lock()
		mix.Add(src)
		speaker.Unlock()
		logger.Debug("preview source created", logger.Stringer("channel", ch.Key), logger.Uint64("gen", uint64(gen)))
		return src
	}

	engine := mixer.NewEngine(factory, server.EngineOptions(cfg))
	ctx, cancel := context.WithCancel(ctx)
	go engine.Run(ctx)
	defer func() {
		cancel()
		<-engine.Done()
	}()

	sub := engine.Subscribe(8)
	defer engine.Unsubscribe(sub)
	if err := lib.Load(ctx, engine); err != nil {
		return err
	}

	model := tui.New(tui.Options{
		Engine:    engine,
		Snapshots: sub.C,
		Open:      mixer.FileOpener,
		Submit:    lib.Submit(),
	})
	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("preview UI: %w", err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(previewCmd)

	previewCmd.Flags().StringArrayVarP(&previewVocals, "vocals", "v", nil, "作为人声分轨播放的文件（可重复）")
	previewCmd.Flags().StringArrayVarP(&previewInstrumental, "instrumental", "i", nil, "作为伴奏分轨播放的文件（可重复）")
	previewCmd.Flags().IntVar(&previewRate, "rate", 44100, "输出采样率")
	previewCmd.Flags().StringVarP(&previewOut, "out", "o", ".", "渲染结果保存目录")
}
