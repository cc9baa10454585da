// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package warehouse issues the bulk COPY that makes a cycle's files visible.
package warehouse

import (
	"strings"

	"github.com/jackc/pgx/v5"
)

const redacted = "********"

// Credentials authorize the warehouse to read the bucket. An IAM role,
// when set, is used instead of the key pair.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	IAMRole         string
}

// Redacted returns a copy safe to log.
func (c Credentials) Redacted() Credentials {
	out := Credentials{IAMRole: c.IAMRole}
	if c.AccessKeyID != "" {
		out.AccessKeyID = redacted
	}
	if c.SecretAccessKey != "" {
		out.SecretAccessKey = redacted
	}
	return out
}

// QuoteIdentifier quotes a possibly schema-qualified table name.
func QuoteIdentifier(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

// QuoteLiteral wraps s in single quotes, doubling any embedded quote.
func QuoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CopyStatement renders
//
//	COPY <table> FROM '<manifest>' CREDENTIALS '...' MANIFEST <options>
func CopyStatement(table, manifestURL string, creds Credentials, copyOptions string) string {
	var sb strings.Builder
	sb.WriteString("COPY ")
	sb.WriteString(QuoteIdentifier(table))
	sb.WriteString(" FROM ")
	sb.WriteString(QuoteLiteral(manifestURL))
	if creds.IAMRole != "" {
		sb.WriteString(" IAM_ROLE ")
		sb.WriteString(QuoteLiteral(creds.IAMRole))
	} else {
		sb.WriteString(" CREDENTIALS ")
		sb.WriteString(QuoteLiteral("aws_access_key_id=" + creds.AccessKeyID + ";aws_secret_access_key=" + creds.SecretAccessKey))
	}
	sb.WriteString(" MANIFEST")
	if copyOptions = strings.TrimSpace(copyOptions); copyOptions != "" {
		sb.WriteString(" ")
		sb.WriteString(copyOptions)
	}
	return sb.String()
}
