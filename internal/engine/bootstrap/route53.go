package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"

	"github.com/careflow-go/pkg/faults"
)

// Route53Provider points tenant subdomains at the platform ingress via
// CNAME records in a hosted zone.
type Route53Provider struct {
	client       route53iface.Route53API
	hostedZoneID string
	baseDomain   string // e.g. "careflow.example.com"
	target       string // ingress hostname the CNAME points at
}

func NewRoute53Provider(region, hostedZoneID, baseDomain, target string) (*Route53Provider, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, faults.Newf(faults.Unknown, "create Route53 session: %v", err)
	}
	return &Route53Provider{
		client:       route53.New(sess),
		hostedZoneID: hostedZoneID,
		baseDomain:   baseDomain,
		target:       target,
	}, nil
}

func (p *Route53Provider) Configure(ctx context.Context, subdomain, organizationID string) error {
	return p.change(ctx, route53.ChangeActionUpsert, subdomain,
		fmt.Sprintf("tenant %s", organizationID))
}

func (p *Route53Provider) Remove(ctx context.Context, subdomain string) error {
	err := p.change(ctx, route53.ChangeActionDelete, subdomain, "tenant teardown")
	// Deleting a record that was never created is success for the saga.
	if faults.KindOf(err) == faults.NotFound {
		return nil
	}
	return err
}

func (p *Route53Provider) change(ctx context.Context, action, subdomain, comment string) error {
	name := fmt.Sprintf("%s.%s.", subdomain, p.baseDomain)
	_, err := p.client.ChangeResourceRecordSetsWithContext(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(p.hostedZoneID),
		ChangeBatch: &route53.ChangeBatch{
			Comment: aws.String(comment),
			Changes: []*route53.Change{{
				Action: aws.String(action),
				ResourceRecordSet: &route53.ResourceRecordSet{
					Name: aws.String(name),
					Type: aws.String(route53.RRTypeCname),
					TTL:  aws.Int64(300),
					ResourceRecords: []*route53.ResourceRecord{{
						Value: aws.String(p.target),
					}},
				},
			}},
		},
	})
	if err != nil {
		return classifyRoute53Error(err, name)
	}
	return nil
}

func classifyRoute53Error(err error, name string) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case route53.ErrCodeInvalidChangeBatch:
			// Delete of a missing record surfaces as an invalid batch.
			return faults.Newf(faults.NotFound, "record %s: %s", name, aerr.Message())
		case route53.ErrCodeInvalidInput:
			return faults.Newf(faults.Validation, "record %s: %s", name, aerr.Message())
		case route53.ErrCodeThrottlingException:
			return faults.Newf(faults.RateLimited, "Route53 throttled change for %s", name)
		case route53.ErrCodePriorRequestNotComplete:
			return faults.Newf(faults.Transient, "prior Route53 change for %s still pending", name)
		}
	}
	return faults.Newf(faults.Transient, "change record %s: %v", name, err)
}
