package main

import "github.com/Popie52/feedrank/internal/bootstrap"

func main() {
	bootstrap.Run()
}
