/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package main

import "github.com/olymprep/authserver/cmd"

func main() {
	cmd.Execute()
}
