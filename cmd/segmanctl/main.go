// Copyright (c) 2018, Postgres Professional

package main

import "postgrespro.ru/segman/cmd/segmanctl/cmd"

func main() {
	cmd.Execute()
}
