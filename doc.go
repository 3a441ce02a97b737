// Package tenantd is the control plane that maps tenants onto agents of a
// shared agent gateway. It keeps one multiplexed websocket RPC connection to
// the gateway, edits the gateway's agent registry with compare-and-swap
// patches, and switches an ambient tenant context through a chain of
// reversible bootstrappers.
//
// # Provisioning
//
// Provisioning creates a workspace directory for the tenant and registers an
// agent named "tenant-<slug>" in the gateway's agents.list:
//
//	cp, err := tenantd.New(ctx, tenantd.Config{
//	    GatewayURL:   "ws://localhost:3001",
//	    GatewayToken: os.Getenv("GATEWAY_TOKEN"),
//	    WorkspaceDir: "/data/tenants",
//	})
//	if err != nil { log.Fatal(err) }
//	defer cp.Close()
//
//	res, err := cp.Provision(ctx, &tenancy.Tenant{
//	    ID:   "7f9c0b1e",
//	    Name: "Acme Corp",
//	    Slug: "acme",
//	    Config: tenancy.TenantConfig{
//	        ModelRouting: tenancy.ModelRoutingConfig{Primary: "azure/gpt-4o"},
//	    },
//	})
//
// Registry edits read the gateway configuration together with its hash and
// submit a merge patch guarded by that hash. A concurrent writer makes the
// gateway reject the patch; the provisioner retries such conflicts from a
// fresh snapshot with exponential backoff.
//
// # Tenant context
//
// Chat and session calls act for the tenant that is active in the
// ControlPlane's tenancy.Context:
//
//	err = cp.RunAs(ctx, "7f9c0b1e", func(ctx context.Context, t *tenancy.Tenant) error {
//	    out, err := cp.SendChat(ctx, tenantd.ChatRequest{CustomerID: "c-42", Message: "Where is my order?"})
//	    if err != nil { return err }
//	    fmt.Println(out.Model, out.Response)
//	    return nil
//	})
//
// The built-in "workspace" and "agent" bootstrappers bind the tenant's
// workspace path and agent id; extra bootstrappers supplied with
// WithBootstrappers run after them and are reverted before them.
package tenantd
