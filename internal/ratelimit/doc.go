// Package ratelimit bounds how often a client may create sessions.
package ratelimit
