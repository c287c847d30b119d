package main

//go:generate swag init -g cmd/rewardhub/main.go -o docs

// @title           rewardhub API
// @version         0.1.0
// @description     Contest, prediction poll and staking reward settlement.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
