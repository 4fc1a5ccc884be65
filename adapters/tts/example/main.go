// Command example streams a token sequence through the ElevenLabs adapter
// the same way the turn pipeline does, and saves the synthesized PCM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/joho/godotenv"
	"github.com/vocalisai/vocalis/adapters/tts"
)

func main() {
	godotenv.Load()

	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if os.Getenv("ELEVEN_LABS_API_KEY") == "" {
		logger.Fatal("ELEVEN_LABS_API_KEY environment variable is required")
	}

	synth, err := tts.NewElevenLabsTTS(tts.NewElevenLabsConfigFromEnv(), logger)
	if err != nil {
		logger.Fatal("Failed to create synthesizer", zap.Error(err))
	}

	reply := "Hello! This is a demonstration of streaming synthesis. " +
		"Tokens arrive one at a time, and audio starts before the reply is complete."

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Feed tokens the way a language model streams them.
	tokens := make(chan string)
	go func() {
		defer close(tokens)
		for _, word := range strings.Fields(reply) {
			tokens <- word + " "
			time.Sleep(20 * time.Millisecond)
		}
	}()

	logger.Info("Synthesizing", zap.String("text", reply))

	audio, err := synth.SynthesizeStream(ctx, tokens)
	if err != nil {
		logger.Fatal("Failed to start synthesis", zap.Error(err))
	}

	outputFile := "example_output.pcm"
	file, err := os.Create(outputFile)
	if err != nil {
		logger.Fatal("Failed to create output file", zap.Error(err))
	}

	totalBytes := 0
	chunkCount := 0
	var firstChunk time.Duration
	start := time.Now()

	for chunk := range audio {
		if chunkCount == 0 {
			firstChunk = time.Since(start)
		}
		n, err := file.Write(chunk)
		if err != nil {
			logger.Error("Failed to write audio chunk", zap.Error(err))
			break
		}
		totalBytes += n
		chunkCount++
	}
	file.Close()

	logger.Info("Synthesis completed",
		zap.Duration("timeToFirstChunk", firstChunk),
		zap.Int("totalChunks", chunkCount),
		zap.Int("totalBytes", totalBytes),
		zap.String("outputFile", outputFile))

	if os.Getenv("NO_AUTOPLAY") != "true" {
		if err := playAudioFile(outputFile); err != nil {
			fmt.Printf("Could not auto-play audio. Play it manually with:\n")
			fmt.Printf("  play -t raw -r 24000 -e signed -b 16 -c 1 %s\n", outputFile)
			fmt.Printf("  ffplay -f s16le -ar 24000 -ac 1 -nodisp -autoexit %s\n", outputFile)
		}
	}
}

// playAudioFile tries the common raw-PCM players for 24kHz signed 16-bit
// mono output.
func playAudioFile(filename string) error {
	players := []struct {
		command string
		args    []string
	}{
		{"play", []string{"-t", "raw", "-r", "24000", "-e", "signed", "-b", "16", "-c", "1"}},
		{"ffplay", []string{"-f", "s16le", "-ar", "24000", "-ac", "1", "-nodisp", "-autoexit"}},
		{"aplay", []string{"-f", "S16_LE", "-r", "24000", "-c", "1"}},
	}

	for _, player := range players {
		if _, err := exec.LookPath(player.command); err != nil {
			continue
		}
		if err := exec.Command(player.command, append(player.args, filename)...).Run(); err == nil {
			return nil
		}
	}
	return fmt.Errorf("no suitable audio player found")
}
