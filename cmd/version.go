package cmd

// Version is the application version.
// It is intended to be set at build time using ldflags, e.g.
// go build -ldflags "-X github.com/FedericoTs/FeedbackforFounders-sub002/cmd.Version=1.0.0"
var Version = "0.1.0"
