package sqlinline

const QSelectIntegrationToken = `--sql 49944ead-386d-41e4-9269-d58c79910191
select token
from integration_tokens
where provider = $1::text
limit 1;
`

const QUpsertIntegrationToken = `--sql b19c9ebe-367a-427a-a1f0-e0c4aa479901
insert into integration_tokens (id, provider, token, properties, created_at, updated_at)
values (gen_random_uuid(), $1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`

const QListIntegrationProviders = `--sql 9a361a72-1352-4f0c-8005-09b2ce122dc0
select provider, updated_at
from integration_tokens
order by provider;
`
