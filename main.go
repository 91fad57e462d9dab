package main

import "aabuild/internal/aab"

func main() {
	aab.Main()
}
