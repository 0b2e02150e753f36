package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions about the stored alerts interactively",
	Long: `Start an interactive session. Each question is answered by the
completion service, grounded in semantically related alerts from the stored
corpus and the open issue list. Type 'exit' or press Ctrl-D to leave.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat()
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat() error {
	rl, err := readline.New(color.CyanString("hunt> "))
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	client := newAPIClient()
	fmt.Println("Ask about the stored alerts. Type 'exit' to leave.")

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || err == io.EOF {
				return nil
			}
			return err
		}
		question := strings.TrimSpace(line)
		if question == "" {
			continue
		}
		if question == "exit" || question == "quit" {
			return nil
		}

		var resp struct {
			Answer string `json:"answer"`
		}
		if err := client.postJSON("/api/chat", map[string]string{"question": question}, &resp); err != nil {
			fmt.Println(color.RedString("error: %v", err))
			continue
		}
		fmt.Printf("\n%s\n\n", resp.Answer)
	}
}
