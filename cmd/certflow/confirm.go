package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// stdinConfirmer 終端確認器。
// 提示打到標準錯誤，標準輸出留給命令結果，方便管道使用。
type stdinConfirmer struct {
	r io.Reader
	w io.Writer
}

func newStdinConfirmer() *stdinConfirmer {
	return &stdinConfirmer{r: os.Stdin, w: os.Stderr}
}

// Confirm 實現 application.Confirmer。
// 只有 y / yes 算同意，讀不到輸入一律按拒絕處理。
func (c *stdinConfirmer) Confirm(prompt string) bool {
	fmt.Fprintf(c.w, "%s [y/N] ", prompt)

	reader := bufio.NewReader(c.r)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// assumeYesConfirmer -yes 參數對應的自動應答器，腳本裡免交互。
type assumeYesConfirmer struct{}

func (assumeYesConfirmer) Confirm(string) bool { return true }
