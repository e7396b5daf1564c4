// Package store defines the run history model and the repository contract
// shared by the memory and Postgres run stores.
package store
