// Package git is the version-control facade for the build pipeline.
//
// The three pipeline operations (pull, stage+commit, push) shell out to the
// git binary through the shared command runner so their output lands in the
// run log exactly as the tool printed it. Worktree inspection at run start
// uses go-git instead, because opening the repository in-process gives typed
// errors ("not a repository") without parsing CLI output.
package git
