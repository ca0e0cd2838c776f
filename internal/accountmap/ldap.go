package accountmap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ldapTimeout bounds connect time; the directory default (~30s) is too
// long to hold a webhook dispatch.
const ldapTimeout = 5 * time.Second

// LDAPMap pairs two directory attributes within a search scope, for
// example githubId -> uid. Construction is side-effect-free; every
// lookup dials its own connection.
type LDAPMap struct {
	URI        string // e.g. "ldaps://dir-server.example.com:636"
	SearchBase string // e.g. "ou=accounts,dc=example,dc=com"
	InputAttr  string // attribute searched for, e.g. "githubId"
	OutputAttr string // attribute returned, e.g. "uid"

	// BindDN/BindPassword select simple bind; when BindDN is empty an
	// unauthenticated bind is performed.
	BindDN       string
	BindPassword string

	Log *slog.Logger
}

// Lookup searches the directory for srcUser and returns the value of
// OutputAttr. Directory errors are logged and reported as absent, the
// same benign treatment the file map gives unknown users.
func (m *LDAPMap) Lookup(ctx context.Context, srcUser string) (string, bool, error) {
	log := m.Log
	if log == nil {
		log = slog.Default()
	}

	filter := fmt.Sprintf("(%s=%s)", m.InputAttr, ldap.EscapeFilter(srcUser))

	conn, err := ldap.DialURL(m.URI, ldap.DialWithDialer(&net.Dialer{Timeout: ldapTimeout}))
	if err != nil {
		log.Error("LDAP dial failed", "uri", m.URI, "error", err)
		return "", false, nil
	}
	defer conn.Close()

	if m.BindDN != "" {
		err = conn.Bind(m.BindDN, m.BindPassword)
	} else {
		err = conn.UnauthenticatedBind("")
	}
	if err != nil {
		log.Error("LDAP bind failed", "uri", m.URI, "bind_dn", m.BindDN, "error", err)
		return "", false, nil
	}

	req := ldap.NewSearchRequest(
		m.SearchBase,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1, // input/output attributes are a unique mapping
		int(ldapTimeout.Seconds()),
		false,
		filter,
		[]string{m.OutputAttr},
		nil,
	)

	res, err := conn.Search(req)
	if err != nil {
		log.Error("LDAP query failed", "base", m.SearchBase, "filter", filter, "error", err)
		return "", false, nil
	}
	if len(res.Entries) == 0 {
		log.Debug("no LDAP entry found", "base", m.SearchBase, "filter", filter)
		return "", false, nil
	}

	val := res.Entries[0].GetAttributeValue(m.OutputAttr)
	if val == "" {
		log.Error("attribute not present in LDAP entry",
			"base", m.SearchBase, "filter", filter, "output_attr", m.OutputAttr)
		return "", false, nil
	}
	return val, true, nil
}
