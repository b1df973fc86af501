package server

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/internal/mfa"
	"github.com/multidirectory/multidirectory/pkg/models"
)

// invalidCredentials is the single diagnostic for every bind failure path.
// The peer never learns whether the name, the password or the policy failed.
const invalidCredentials = "invalid credentials"

func (c *connection) handleBind(ctx context.Context, msg *ldap.Message) ldap.Result {
	req, err := ldap.DecodeBindRequest(msg.Op)
	if err != nil {
		return ldap.Error(ldap.ResultProtocolError, "malformed bind request")
	}
	if req.Version != 3 {
		return ldap.Error(ldap.ResultProtocolError,
			fmt.Sprintf("unsupported protocol version %d", req.Version))
	}
	if req.AuthTag == ldap.AuthSASL {
		return ldap.Error(ldap.ResultAuthMethodNotSupported,
			fmt.Sprintf("sasl mechanism %q is not supported", req.SASLMech))
	}
	if user, _ := c.sess.get(); user != nil {
		return ldap.Error(ldap.ResultStrongerAuthRequired, "session is already bound")
	}

	if req.Name == "" && req.Password == "" {
		if !c.srv.cfg.AllowAnonymousBind {
			return ldap.Error(ldap.ResultInvalidCredentials, invalidCredentials)
		}
		c.sess.set(nil, "")
		return ldap.Result{Code: ldap.ResultSuccess, MatchedDN: c.srv.baseDN}
	}
	if req.Password == "" {
		// Unauthenticated binds (name without password) are refused.
		return ldap.Error(ldap.ResultInvalidCredentials, invalidCredentials)
	}

	user, err := c.resolveBindUser(ctx, req.Name)
	if err != nil {
		logger.DebugCtx(ctx, "bind user lookup failed",
			logger.Username(req.Name), logger.Err(err))
		return ldap.Error(ldap.ResultInvalidCredentials, invalidCredentials)
	}

	if !models.VerifyPassword(req.Password, user.PasswordHash) {
		logger.InfoCtx(ctx, "bind rejected: password mismatch", logger.Username(req.Name))
		return ldap.Error(ldap.ResultInvalidCredentials, invalidCredentials)
	}
	if user.AccountExpires != nil && user.AccountExpires.Before(time.Now().UTC()) {
		logger.InfoCtx(ctx, "bind rejected: account expired", logger.Username(req.Name))
		return ldap.Error(ldap.ResultInvalidCredentials, invalidCredentials)
	}

	peer, err := netip.ParseAddr(c.lc.ClientIP)
	if err != nil {
		logger.WarnCtx(ctx, "unparseable peer address", logger.ClientIP(c.lc.ClientIP))
		return ldap.Error(ldap.ResultInvalidCredentials, invalidCredentials)
	}
	networkPolicy, err := c.srv.gate.Check(ctx, peer, user)
	if err != nil {
		if !errors.Is(err, models.ErrNoPolicyMatch) {
			logger.ErrorCtx(ctx, "network policy evaluation failed", logger.Err(err))
			return ldap.Error(ldap.ResultOperationsError, "policy evaluation failed")
		}
		logger.InfoCtx(ctx, "bind rejected: no matching network policy",
			logger.Username(req.Name), logger.ClientIP(c.lc.ClientIP))
		return ldap.Error(ldap.ResultInvalidCredentials, invalidCredentials)
	}

	if networkPolicy.MFARequired {
		if err := c.secondFactor(ctx, user); err != nil {
			logger.InfoCtx(ctx, "bind rejected: second factor",
				logger.Username(req.Name), logger.Err(err))
			return ldap.Error(ldap.ResultInvalidCredentials, invalidCredentials)
		}
	}

	if err := c.srv.store.TouchLastLogon(ctx, user.ID); err != nil {
		logger.WarnCtx(ctx, "lastLogon update failed", logger.Err(err))
	}

	bindDN := c.bindDNFor(user)
	c.sess.set(user, bindDN)
	logger.InfoCtx(ctx, "bind succeeded",
		logger.Username(user.UserPrincipalName), logger.BindDN(bindDN))
	return ldap.Result{Code: ldap.ResultSuccess, MatchedDN: c.srv.baseDN}
}

// resolveBindUser matches the bind name as a UPN or sAMAccountName first,
// then as a DN walked through the materialised paths.
func (c *connection) resolveBindUser(ctx context.Context, name string) (*models.User, error) {
	if !strings.Contains(name, "=") {
		return c.srv.store.GetUserByName(ctx, name)
	}

	path, err := ldap.DNToPath(name, c.srv.baseDN)
	if err != nil {
		return nil, err
	}
	entry, err := c.srv.store.FindByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if entry.User == nil {
		return nil, models.ErrUserNotFound
	}
	return entry.User, nil
}

func (c *connection) bindDNFor(user *models.User) string {
	if user.Directory != nil && user.Directory.Path != nil {
		return ldap.PathToDN(user.Directory.Path.GetPath(), c.srv.baseDN)
	}
	return strings.ToLower(user.UserPrincipalName)
}

// secondFactor suspends the bind on a challenge with the external provider:
// it opens an access request, parks the connection on the per-identity
// waiter slot and resumes when the HTTP callback delivers the signed token.
// An unreachable provider lets the bind through; only an explicit denial or
// a bad token refuses it.
func (c *connection) secondFactor(ctx context.Context, user *models.User) error {
	m := c.srv.mfa
	if m == nil || m.Client == nil {
		return errors.New("second factor required but not configured")
	}

	identity := strings.ToLower(user.UserPrincipalName)
	tokens, release := m.Pool.Acquire(identity)
	defer release()

	challengeURL, err := m.Client.CreateRequest(ctx, user.UserPrincipalName, m.CallbackURL)
	if err != nil {
		if errors.Is(err, mfa.ErrUnavailable) {
			logger.WarnCtx(ctx, "multifactor provider unreachable, bypassing second factor",
				logger.Username(user.UserPrincipalName))
			return nil
		}
		return err
	}
	logger.DebugCtx(ctx, "second factor challenge created",
		logger.Username(user.UserPrincipalName), "challenge_url", challengeURL)

	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case token, ok := <-tokens:
		if !ok {
			return errors.New("second factor wait displaced by a newer bind")
		}
		got, err := m.Validator.Validate(token)
		if err != nil {
			return err
		}
		if !strings.EqualFold(got, user.UserPrincipalName) {
			return errors.New("second factor token identity mismatch")
		}
		return nil
	case <-timer.C:
		return errors.New("second factor timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}
