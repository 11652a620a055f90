package pool

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/connpool/pkg/application/connector"
)

const authDataAliasProperty = "DefaultPrincipalMapping"

// SubjectResolver resolves the subject of container managed authentication.
type SubjectResolver interface {
	ResolveSubject(
		ctx context.Context,
		mcf connector.ManagedConnectionFactory,
		loginConfigurationName string,
		properties map[string]string,
		cri connector.ConnectionRequestInfo,
	) (*connector.Subject, error)
}

// NewAuthDataResolver resolves subjects from auth data aliases named by the
// DefaultPrincipalMapping login property.
func NewAuthDataResolver(aliases map[string]*connector.Subject) SubjectResolver {
	return &authDataResolver{aliases: aliases}
}

type authDataResolver struct {
	aliases map[string]*connector.Subject
}

func (r *authDataResolver) ResolveSubject(
	_ context.Context,
	_ connector.ManagedConnectionFactory,
	_ string,
	properties map[string]string,
	_ connector.ConnectionRequestInfo,
) (*connector.Subject, error) {
	alias, ok := properties[authDataAliasProperty]
	if !ok {
		return nil, nil
	}
	subject, ok := r.aliases[alias]
	if !ok {
		return nil, errors.Errorf("auth data alias %q is not defined", alias)
	}
	return subject, nil
}
