// Package connectors reaches the external systems entities are provisioned
// to. A Gateway fronts one Connector per configured resource, classifies
// failures as transient or permanent, and retries transient ones with
// exponential backoff.
//
// Three connector bundles ship in-tree:
//
//   - rest: JSON records over HTTP
//   - sqltable: rows of a relational table via database/sql
//   - sftpdir: CSV files on a remote host over SFTP
//
// Additional bundles register through RegisterBundle before the gateway is
// built.
package connectors
