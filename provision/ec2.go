package provision

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/crypto/ssh"

	"github.com/Octogonapus/KVBench/target"
	"github.com/Octogonapus/KVBench/util"
)

func init() {
	RegisterAcquirer("ec2", func(options map[string]any) (Acquirer, error) {
		input := &EC2AcquirerInput{
			InstanceType: string(ec2Types.InstanceTypeM6iLarge),
			ImageID:      "ami-05fb0b8c1424f266b", // ubuntu 22.04 from canonical
			User:         "ubuntu",
			VolumeSizeGB: 32,
		}
		if err := mapstructure.Decode(options, input); err != nil {
			return nil, err
		}
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithEC2IMDSRegion())
		if err != nil {
			return nil, err
		}
		return NewEC2Acquirer(cfg, input), nil
	})
}

type EC2AcquirerInput struct {
	InstanceType string `mapstructure:"instance_type"`
	ImageID      string `mapstructure:"image_id"`
	User         string `mapstructure:"user"`
	VolumeSizeGB int32  `mapstructure:"volume_size_gb"`
}

// EC2Acquirer launches one instance per role and terminates it on release.
// SetUp builds the run-scoped network (VPC, subnet, gateway, security group)
// and a throwaway key pair; TearDown removes them.
type EC2Acquirer struct {
	input  *EC2AcquirerInput
	ec2    *ec2.Client
	signer ssh.Signer

	vpcID    *string
	igwID    *string
	subnetID *string
	sgID     *string
	keyName  *string
	keyID    *string

	mu        sync.Mutex
	instances map[string]string // role -> instance ID
}

func NewEC2Acquirer(cfg aws.Config, input *EC2AcquirerInput) *EC2Acquirer {
	return &EC2Acquirer{
		input:     input,
		ec2:       ec2.NewFromConfig(cfg),
		instances: map[string]string{},
	}
}

func (a *EC2Acquirer) SetUp(ctx context.Context) error {
	cidr := aws.String("10.0.0.0/16")
	vpc, err := a.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: cidr,
		TagSpecifications: []ec2Types.TagSpecification{{
			ResourceType: ec2Types.ResourceTypeVpc,
			Tags: []ec2Types.Tag{{
				Key:   aws.String("Name"),
				Value: aws.String("kvbench-" + util.Randstring(8)),
			}},
		}},
	})
	if err != nil {
		return err
	}
	slog.Debug("created VPC", slog.String("ID", *vpc.Vpc.VpcId))
	a.vpcID = vpc.Vpc.VpcId

	// This must be done in two requests
	_, err = a.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:            a.vpcID,
		EnableDnsSupport: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}
	_, err = a.ec2.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
		VpcId:              a.vpcID,
		EnableDnsHostnames: &ec2Types.AttributeBooleanValue{Value: aws.Bool(true)},
	})
	if err != nil {
		return err
	}

	subnet, err := a.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:     a.vpcID,
		CidrBlock: cidr,
	})
	if err != nil {
		return err
	}
	slog.Debug("created subnet", slog.String("ID", *subnet.Subnet.SubnetId))
	a.subnetID = subnet.Subnet.SubnetId

	igw, err := a.ec2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{})
	if err != nil {
		return err
	}
	slog.Debug("created internet gateway", slog.String("ID", *igw.InternetGateway.InternetGatewayId))
	a.igwID = igw.InternetGateway.InternetGatewayId

	_, err = a.ec2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: a.igwID,
		VpcId:             a.vpcID,
	})
	if err != nil {
		return err
	}

	// The VPC comes with a main route table so we don't make one
	routeTable, err := a.ec2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: []ec2Types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{*a.vpcID}},
		},
	})
	if err != nil {
		return err
	}
	_, err = a.ec2.CreateRoute(ctx, &ec2.CreateRouteInput{
		RouteTableId:         routeTable.RouteTables[0].RouteTableId,
		DestinationCidrBlock: aws.String("0.0.0.0/0"),
		GatewayId:            a.igwID,
	})
	if err != nil {
		return err
	}

	sg, err := a.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String("kvbench-" + util.Randstring(8)),
		Description: aws.String("kvbench experiment hosts"),
		VpcId:       a.vpcID,
	})
	if err != nil {
		return err
	}
	slog.Debug("created security group", slog.String("ID", *sg.GroupId))
	a.sgID = sg.GroupId

	_, err = a.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: a.sgID,
		IpPermissions: []ec2Types.IpPermission{
			{
				FromPort:   aws.Int32(22),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				ToPort:     aws.Int32(22),
			},
			{
				// Experiment traffic between roles stays inside the VPC.
				FromPort:   aws.Int32(0),
				IpProtocol: aws.String("-1"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: cidr}},
				ToPort:     aws.Int32(65535),
			},
		},
	})
	if err != nil {
		return err
	}

	keyPair, err := a.ec2.CreateKeyPair(ctx, &ec2.CreateKeyPairInput{
		KeyName:   aws.String("kvbench-" + util.Randstring(8)),
		KeyType:   ec2Types.KeyTypeEd25519,
		KeyFormat: ec2Types.KeyFormatPem,
	})
	if err != nil {
		return err
	}
	a.keyName = keyPair.KeyName
	a.keyID = keyPair.KeyPairId
	slog.Debug("created key pair", slog.String("ID", *a.keyID))
	a.signer, err = ssh.ParsePrivateKey([]byte(*keyPair.KeyMaterial))
	if err != nil {
		return err
	}

	return nil
}

func (a *EC2Acquirer) Acquire(ctx context.Context, role, addr string) (target.Target, error) {
	if addr != "" {
		return nil, fmt.Errorf("role %q has a pre-assigned address; the ec2 acquirer launches its own hosts", role)
	}

	instance, err := a.launchInstance(ctx, role)
	if err != nil {
		return nil, err
	}
	instanceID := instance.Instances[0].InstanceId
	a.mu.Lock()
	a.instances[role] = *instanceID
	a.mu.Unlock()

	ip, err := a.getInstanceIP(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	slog.Debug("instance got IP", slog.String("role", role), slog.String("instanceID", *instanceID), slog.String("ip", *ip))

	t := &target.SSHTarget{
		User:    a.input.User,
		IP:      *ip,
		SSHPort: 22,
		Auths:   []ssh.AuthMethod{ssh.PublicKeys(a.signer)},
	}

	if err := a.waitForTargetReachable(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (a *EC2Acquirer) launchInstance(ctx context.Context, role string) (*ec2.RunInstancesOutput, error) {
	var resp *ec2.RunInstancesOutput
	var err error
	for i := 0; i < 5; i++ {
		resp, err = a.ec2.RunInstances(ctx, &ec2.RunInstancesInput{
			MinCount:     aws.Int32(1),
			MaxCount:     aws.Int32(1),
			EbsOptimized: aws.Bool(true),
			ImageId:      aws.String(a.input.ImageID),
			BlockDeviceMappings: []ec2Types.BlockDeviceMapping{
				{
					DeviceName: aws.String("/dev/sda1"),
					Ebs: &ec2Types.EbsBlockDevice{
						VolumeSize:          aws.Int32(a.input.VolumeSizeGB),
						VolumeType:          ec2Types.VolumeTypeGp3,
						DeleteOnTermination: aws.Bool(true),
						Encrypted:           aws.Bool(true),
					},
				},
			},
			InstanceType: ec2Types.InstanceType(a.input.InstanceType),
			KeyName:      a.keyName,
			NetworkInterfaces: []ec2Types.InstanceNetworkInterfaceSpecification{
				{
					DeviceIndex:              aws.Int32(0),
					AssociatePublicIpAddress: aws.Bool(true),
					Groups:                   []string{*a.sgID},
					SubnetId:                 a.subnetID,
					DeleteOnTermination:      aws.Bool(true),
				},
			},
			TagSpecifications: []ec2Types.TagSpecification{{
				ResourceType: ec2Types.ResourceTypeInstance,
				Tags: []ec2Types.Tag{{
					Key:   aws.String("Name"),
					Value: aws.String("kvbench-" + role),
				}},
			}},
		})
		if err == nil {
			slog.Debug("launched instance", slog.String("role", role), slog.String("instanceID", *resp.Instances[0].InstanceId))
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Debug("waiting to launch instance", slog.String("error", err.Error()))
		time.Sleep(60 * time.Second)
	}
	return nil, fmt.Errorf("failed to launch instance: %w", err)
}

func (a *EC2Acquirer) getInstanceIP(ctx context.Context, instanceID *string) (*string, error) {
	for i := 0; i < 10; i++ {
		resp, err := a.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{*instanceID},
		})
		if err != nil {
			return nil, err
		}

		ip := resp.Reservations[0].Instances[0].PublicIpAddress
		if ip != nil {
			return ip, nil
		}

		time.Sleep(3 * time.Second)
	}
	return nil, fmt.Errorf("failed to get instance %s IP", *instanceID)
}

func (a *EC2Acquirer) waitForTargetReachable(ctx context.Context, t target.Target) error {
	for i := 0; i < 6*5; i++ {
		res, err := t.RunCommand(ctx, "whoami")
		if err != nil || strings.TrimSpace(res.Stdout) != a.input.User {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Debug("target reachability check failed", slog.String("addr", t.Addr()))
			time.Sleep(10 * time.Second)
			continue
		}
		return nil
	}
	return fmt.Errorf("timed out waiting for target %s to be reachable", t.Addr())
}

func (a *EC2Acquirer) Release(ctx context.Context, role string, t target.Target) error {
	a.mu.Lock()
	instanceID, ok := a.instances[role]
	delete(a.instances, role)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := a.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return err
	}

	// Wait for the instance to be terminated, otherwise teardown can fail
	for i := 0; i < 5; i++ {
		resp, err := a.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
			InstanceIds: []string{instanceID},
		})
		if err == nil && len(resp.Reservations) > 0 &&
			resp.Reservations[0].Instances[0].State.Name == ec2Types.InstanceStateNameTerminated {
			return nil
		}
		slog.Debug("waiting for instance to finish terminating", slog.String("instanceID", instanceID))
		time.Sleep(60 * time.Second)
	}
	return nil
}

func (a *EC2Acquirer) TearDown(ctx context.Context) error {
	if a.keyID != nil {
		_, err := a.ec2.DeleteKeyPair(ctx, &ec2.DeleteKeyPairInput{
			KeyPairId: a.keyID,
		})
		if err != nil {
			slog.Error("DeleteKeyPair failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted key pair", slog.String("ID", *a.keyID))
		}
	}

	if a.sgID != nil {
		_, err := a.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: a.sgID,
		})
		if err != nil {
			slog.Error("DeleteSecurityGroup failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted security group", slog.String("ID", *a.sgID))
		}
	}

	if a.igwID != nil {
		_, err := a.ec2.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			VpcId:             a.vpcID,
			InternetGatewayId: a.igwID,
		})
		if err != nil {
			slog.Error("DetachInternetGateway failed", slog.String("error", err.Error()))
		}

		_, err = a.ec2.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: a.igwID,
		})
		if err != nil {
			slog.Error("DeleteInternetGateway failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted internet gateway", slog.String("ID", *a.igwID))
		}
	}

	if a.subnetID != nil {
		_, err := a.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{
			SubnetId: a.subnetID,
		})
		if err != nil {
			slog.Error("DeleteSubnet failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted subnet", slog.String("ID", *a.subnetID))
		}
	}

	if a.vpcID != nil {
		_, err := a.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{
			VpcId: a.vpcID,
		})
		if err != nil {
			slog.Error("DeleteVpc failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted VPC", slog.String("ID", *a.vpcID))
		}
	}

	return nil
}
