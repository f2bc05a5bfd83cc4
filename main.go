package main

import "github.com/KyouP/llm-ron-bot/cmd"

func main() {
	cmd.Execute()
}
